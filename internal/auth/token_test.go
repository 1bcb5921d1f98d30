package auth_test

import (
	"context"
	"strings"
	"testing"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/internal/storage/memstore"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = []byte("0123456789abcdef0123456789abcdef")

func setup(t *testing.T) (*memstore.Store, *auth.Signer, *auth.Validator) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	store := memstore.New()
	store.PutUser(storage.User{ID: 42, Username: "alice"})
	return store, auth.NewSigner(key, node), auth.NewValidator(key, store)
}

func TestValidate_UserToken(t *testing.T) {
	store, signer, v := setup(t)
	ctx := context.Background()

	token, err := signer.NewSession(ctx, store, 42)
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "."), 3)

	id, err := v.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), id.User.ID)
	assert.False(t, id.Bot)
	assert.NotZero(t, id.SessionID)
}

func TestValidate_RejectsTamperedSignature(t *testing.T) {
	store, signer, v := setup(t)
	ctx := context.Background()

	token, err := signer.NewSession(ctx, store, 42)
	require.NoError(t, err)
	tampered := token[:len(token)-2] + "AA"
	if tampered == token {
		tampered = token[:len(token)-2] + "BB"
	}

	_, err = v.Validate(ctx, tampered)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestValidate_RejectsUnknownSession(t *testing.T) {
	_, signer, v := setup(t)

	// correctly signed but never persisted
	token, _ := signer.Sign(42, 12345)
	_, err := v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestValidate_RejectsOtherKey(t *testing.T) {
	store, signer, _ := setup(t)
	ctx := context.Background()
	token, err := signer.NewSession(ctx, store, 42)
	require.NoError(t, err)

	other := auth.NewValidator([]byte("ffffffffffffffffffffffffffffffff"), store)
	_, err = other.Validate(ctx, token)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestValidate_BotToken(t *testing.T) {
	store, _, v := setup(t)
	ctx := context.Background()

	token, secret, err := auth.NewBotToken(77)
	require.NoError(t, err)
	store.PutBot(storage.User{ID: 77, Username: "robot"}, secret)

	id, err := v.Validate(ctx, "Bot "+token)
	require.NoError(t, err)
	assert.True(t, id.Bot)
	assert.Equal(t, snowflake.ID(77), id.User.ID)

	_, err = v.Validate(ctx, strings.Split(token, ".")[0]+".d3Jvbmc")
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestValidate_Garbage(t *testing.T) {
	_, _, v := setup(t)
	for _, tok := range []string{"", "a", "a.b.c.d", "!!.??", "Zm9v.YmFy.YmF6"} {
		_, err := v.Validate(context.Background(), tok)
		assert.ErrorIs(t, err, errs.ErrInvalidToken, tok)
	}
}

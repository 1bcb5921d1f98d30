package remoteauth

import (
	"testing"
	"time"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickets_Handshake(t *testing.T) {
	tickets := NewTickets(testKey, time.Minute)
	tok, err := tickets.Handshake("fp-1", alice)
	require.NoError(t, err)

	hs, err := tickets.ParseHandshake(tok)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", hs.Fingerprint)
	assert.Equal(t, alice, hs.UserID)
	assert.NotEmpty(t, hs.ID)

	_, _, err = tickets.ParseTicket(tok)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)

	_, err = NewTickets([]byte("another-key-another-key-another!!"), time.Minute).ParseHandshake(tok)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestTickets_SpendOnce(t *testing.T) {
	tickets := NewTickets(testKey, time.Minute)
	first, err := tickets.Handshake("fp-1", alice)
	require.NoError(t, err)
	second, err := tickets.Handshake("fp-1", alice)
	require.NoError(t, err)

	hs, err := tickets.ParseHandshake(first)
	require.NoError(t, err)
	assert.True(t, tickets.Spend(hs))
	assert.False(t, tickets.Spend(hs), "a handshake is used once")

	other, err := tickets.ParseHandshake(second)
	require.NoError(t, err)
	assert.NotEqual(t, hs.ID, other.ID)
	assert.True(t, tickets.Spend(other))
}

func TestTickets_Expiry(t *testing.T) {
	tickets := NewTickets(testKey, 150*time.Second)
	issued := time.Now()
	tickets.now = func() time.Time { return issued }
	tok, err := tickets.Ticket("fp-2", "ciphertext")
	require.NoError(t, err)

	tickets.now = func() time.Time { return issued.Add(149 * time.Second) }
	fp, encrypted, err := tickets.ParseTicket(tok)
	require.NoError(t, err)
	assert.Equal(t, "fp-2", fp)
	assert.Equal(t, "ciphertext", encrypted)

	tickets.now = func() time.Time { return issued.Add(151 * time.Second) }
	_, _, err = tickets.ParseTicket(tok)
	assert.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestCompactIdentity(t *testing.T) {
	avatar := "abc"
	assert.Equal(t, "42:0007:abc:neo", CompactIdentity(&storage.User{ID: 42, Discriminator: "0007", Avatar: &avatar, Username: "neo"}))
	assert.Equal(t, "42:0007:0:neo", CompactIdentity(&storage.User{ID: 42, Discriminator: "0007", Username: "neo"}))
}

func TestVerifyProof(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")
	// sha256 of nonce in both alphabets
	urlSafe := "PrG9Q5lH63YpmOVmzMLgmceREYsvQFecxPfaK1Bht_k"
	std := "PrG9Q5lH63YpmOVmzMLgmceREYsvQFecxPfaK1Bht/k="
	assert.True(t, verifyProof(nonce, urlSafe))
	assert.True(t, verifyProof(nonce, std))
	assert.False(t, verifyProof(nonce, "AAAA"))
	assert.False(t, verifyProof(nonce, "%%%"))
}

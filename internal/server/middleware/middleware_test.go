package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/internal/storage/memstore"
	"github.com/a-essam23/go-gateway/pkg/config"
	"github.com/a-essam23/go-gateway/pkg/logging"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoIdentity(w http.ResponseWriter, r *http.Request) {
	if ident, ok := IdentityFrom(r.Context()); ok {
		_, _ = io.WriteString(w, ident.User.Username)
		return
	}
	_, _ = io.WriteString(w, "anonymous")
}

func authFixture(t *testing.T) (*auth.Validator, string) {
	t.Helper()
	key := make([]byte, 32)
	store := memstore.New()
	store.PutUser(storage.User{ID: 1, Username: "alice", Discriminator: "0001"})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	token, err := auth.NewSigner(key, node).NewSession(context.Background(), store, 1)
	require.NoError(t, err)
	return auth.NewValidator(key, store), token
}

func TestAuthMiddleware(t *testing.T) {
	validator, token := authFixture(t)

	tests := []struct {
		name     string
		required bool
		header   string
		status   int
		body     string
	}{
		{"valid token", true, token, http.StatusOK, "alice"},
		{"missing header required", true, "", http.StatusUnauthorized, ""},
		{"missing header optional", false, "", http.StatusOK, "anonymous"},
		{"bad token optional", false, "nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Chain(http.HandlerFunc(echoIdentity),
				RequestMetadataMiddleware(),
				NewAuthMiddleware(logging.Discard(), validator, tt.required),
			)
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestConnectionLimiter(t *testing.T) {
	open := map[string]int{"10.0.0.1": 2}
	var cycled []string
	counter := func(ip string) int { return open[ip] }
	cycler := func(ip string) { cycled = append(cycled, ip) }
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	serve := func(mode string, remote string) int {
		h := Chain(ok,
			RequestMetadataMiddleware(),
			NewConnectionLimiter(logging.Discard(), counter, cycler, config.ConnectionLimitConfig{MaxPerIP: 2, Mode: mode}),
		)
		req := httptest.NewRequest(http.MethodGet, "/gateway", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, serve("reject", "10.0.0.2:5000"))
	assert.Equal(t, http.StatusTooManyRequests, serve("reject", "10.0.0.1:5000"))
	assert.Empty(t, cycled)

	assert.Equal(t, http.StatusNoContent, serve("cycle", "10.0.0.1:5001"))
	assert.Equal(t, []string{"10.0.0.1"}, cycled)
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusTeapot, "short and stout")
	}), RequestMetadataMiddleware(), NewRequestLogger(logging.Discard()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.JSONEq(t, `{"message":"short and stout","code":0}`, rec.Body.String())
}

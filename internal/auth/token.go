// Package auth signs and validates user session tokens and bot tokens.
//
// A user token is b64(user_id).b64(session_id as 8 big-endian bytes).b64(sig)
// where sig is HMAC-SHA512 over the first two parts keyed by the server KEY.
// A bot token is b64(bot_id).b64(secret).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/bwmarrin/snowflake"
)

var enc = base64.RawURLEncoding

// Identity is the result of a successful token validation.
type Identity struct {
	User *storage.User
	// SessionID is the login session behind a user token; zero for bots.
	SessionID snowflake.ID
	Bot       bool
}

// Signer creates user tokens for newly created login sessions.
type Signer struct {
	key  []byte
	node *snowflake.Node
}

func NewSigner(key []byte, node *snowflake.Node) *Signer {
	return &Signer{key: key, node: node}
}

// Sign builds the token for an existing session id.
func (s *Signer) Sign(userID, sessionID snowflake.ID) (token, signature string) {
	return sign(s.key, userID, sessionID)
}

// NewSession generates a session id, persists it and returns the token.
func (s *Signer) NewSession(ctx context.Context, store storage.Storage, userID snowflake.ID) (string, error) {
	sid := s.node.Generate()
	token, sig := s.Sign(userID, sid)
	if err := store.CreateSession(ctx, storage.SessionRecord{ID: sid, UserID: userID, Signature: sig}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

func sign(key []byte, userID, sessionID snowflake.ID) (string, string) {
	var sidBytes [8]byte
	binary.BigEndian.PutUint64(sidBytes[:], uint64(sessionID))
	payload := enc.EncodeToString([]byte(userID.String())) + "." + enc.EncodeToString(sidBytes[:])
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(payload))
	sig := enc.EncodeToString(mac.Sum(nil))
	return payload + "." + sig, sig
}

// NewBotToken returns a fresh bot token and the secret to persist for it.
func NewBotToken(botID snowflake.ID) (token, secret string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	secret = enc.EncodeToString(raw)
	return enc.EncodeToString([]byte(botID.String())) + "." + enc.EncodeToString([]byte(secret)), secret, nil
}

func decodeID(part string) (snowflake.ID, error) {
	raw, err := enc.DecodeString(part)
	if err != nil {
		return 0, errs.ErrInvalidToken
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrInvalidToken
	}
	return snowflake.ID(id), nil
}

// Validator resolves tokens against storage.
type Validator struct {
	key   []byte
	store storage.Storage
}

func NewValidator(key []byte, store storage.Storage) *Validator {
	return &Validator{key: key, store: store}
}

// Validate returns the identity behind token. Malformed, unknown and
// mismatched tokens all yield errs.ErrInvalidToken; storage outages are
// returned wrapped so callers can pick a transient close code.
func (v *Validator) Validate(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bot ")
	parts := strings.Split(token, ".")
	switch len(parts) {
	case 3:
		return v.validateUser(ctx, parts)
	case 2:
		return v.validateBot(ctx, parts)
	default:
		return nil, errs.ErrInvalidToken
	}
}

func (v *Validator) validateUser(ctx context.Context, parts []string) (*Identity, error) {
	userID, err := decodeID(parts[0])
	if err != nil {
		return nil, err
	}
	sidBytes, err := enc.DecodeString(parts[1])
	if err != nil || len(sidBytes) != 8 {
		return nil, errs.ErrInvalidToken
	}
	sessionID := snowflake.ID(binary.BigEndian.Uint64(sidBytes))

	_, expected := sign(v.key, userID, sessionID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[2])) != 1 {
		return nil, errs.ErrInvalidToken
	}

	rec, err := v.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, notFoundAsInvalid(err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Signature), []byte(parts[2])) != 1 {
		return nil, errs.ErrInvalidToken
	}
	user, err := v.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundAsInvalid(err)
	}
	return &Identity{User: user, SessionID: sessionID, Bot: user.Bot}, nil
}

func (v *Validator) validateBot(ctx context.Context, parts []string) (*Identity, error) {
	botID, err := decodeID(parts[0])
	if err != nil {
		return nil, err
	}
	secret, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, errs.ErrInvalidToken
	}
	stored, err := v.store.GetBotSecret(ctx, botID)
	if err != nil {
		return nil, notFoundAsInvalid(err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), secret) != 1 {
		return nil, errs.ErrInvalidToken
	}
	user, err := v.store.GetUser(ctx, botID)
	if err != nil {
		return nil, notFoundAsInvalid(err)
	}
	return &Identity{User: user, Bot: true}, nil
}

func notFoundAsInvalid(err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrInvalidToken
	}
	return err
}

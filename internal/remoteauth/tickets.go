package remoteauth

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxSpentHandshakes bounds the set of used handshake IDs kept in memory.
const maxSpentHandshakes = 1 << 16

const (
	audienceHandshake = "remote-auth:handshake"
	audienceTicket    = "remote-auth:ticket"
)

type handshakeClaims struct {
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

type ticketClaims struct {
	Fingerprint    string `json:"fp"`
	EncryptedToken string `json:"et"`
	jwt.RegisteredClaims
}

// Tickets signs the stateless tokens that carry a handshake between REST
// calls and processes.
type Tickets struct {
	key   []byte
	ttl   time.Duration
	now   func() time.Time
	spent *expirable.LRU[string, struct{}]
	mu    sync.Mutex
}

func NewTickets(key []byte, ttl time.Duration) *Tickets {
	return &Tickets{
		key:   key,
		ttl:   ttl,
		now:   time.Now,
		spent: expirable.NewLRU[string, struct{}](maxSpentHandshakes, nil, ttl),
	}
}

// Handshake is a verified handshake token.
type Handshake struct {
	ID          string
	Fingerprint string
	UserID      snowflake.ID
}

func (t *Tickets) registered(audience, subject string) jwt.RegisteredClaims {
	now := t.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
}

// Handshake binds an approving user to a fingerprint.
func (t *Tickets) Handshake(fingerprint string, userID snowflake.ID) (string, error) {
	claims := handshakeClaims{
		Fingerprint:      fingerprint,
		RegisteredClaims: t.registered(audienceHandshake, userID.String()),
	}
	claims.ID = uuid.NewString()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

func (t *Tickets) ParseHandshake(token string) (*Handshake, error) {
	var claims handshakeClaims
	if err := t.parse(token, audienceHandshake, &claims); err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 || claims.Fingerprint == "" || claims.ID == "" {
		return nil, errs.ErrInvalidToken
	}
	return &Handshake{ID: claims.ID, Fingerprint: claims.Fingerprint, UserID: snowflake.ID(id)}, nil
}

// Spend marks a handshake used. It reports false when it already was; a
// handshake finishes or cancels once. Entries outlive the token itself.
func (t *Tickets) Spend(h *Handshake) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spent.Contains(h.ID) {
		return false
	}
	t.spent.Add(h.ID, struct{}{})
	return true
}

// Ticket carries the encrypted token from the finishing process to whichever
// process serves the new device's login call.
func (t *Tickets) Ticket(fingerprint, encryptedToken string) (string, error) {
	claims := ticketClaims{
		Fingerprint:      fingerprint,
		EncryptedToken:   encryptedToken,
		RegisteredClaims: t.registered(audienceTicket, fingerprint),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

func (t *Tickets) ParseTicket(token string) (fingerprint, encryptedToken string, err error) {
	var claims ticketClaims
	if err := t.parse(token, audienceTicket, &claims); err != nil {
		return "", "", err
	}
	if claims.EncryptedToken == "" || claims.Fingerprint != claims.Subject {
		return "", "", errs.ErrInvalidToken
	}
	return claims.Fingerprint, claims.EncryptedToken, nil
}

func (t *Tickets) parse(token, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}
	return nil
}

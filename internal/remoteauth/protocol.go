package remoteauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/a-essam23/go-gateway/internal/storage"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/coder/websocket"
)

const (
	OpHello             = "hello"
	OpInit              = "init"
	OpNonceProof        = "nonce_proof"
	OpPendingRemoteInit = "pending_remote_init"
	OpHeartbeat         = "heartbeat"
	OpHeartbeatAck      = "heartbeat_ack"
	OpPendingFinish     = "pending_finish"
	OpPendingTicket     = "pending_ticket"
	OpFinish            = "finish"
	OpPendingLogin      = "pending_login"
	OpCancel            = "cancel"
)

const (
	CloseInvalidPayload   websocket.StatusCode = 4000
	CloseProofFailed      websocket.StatusCode = 4001
	CloseTimedOut         websocket.StatusCode = 4003
	CloseHeartbeatTimeout websocket.StatusCode = 4004
	CloseDuplicateKey     websocket.StatusCode = 4005
)

const nonceSize = 32

// CloseError is returned by handlers that end the handshake.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

func closeWith(code websocket.StatusCode, reason string) error {
	return &CloseError{Code: code, Reason: reason}
}

func closeFor(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	return &CloseError{Code: CloseInvalidPayload, Reason: "Invalid payload"}
}

// message is the flat frame both sides exchange; op selects which fields
// are meaningful.
type message struct {
	Op                   string `json:"op"`
	HeartbeatInterval    int64  `json:"heartbeat_interval,omitempty"`
	TimeoutMS            int64  `json:"timeout_ms,omitempty"`
	EncodedPublicKey     string `json:"encoded_public_key,omitempty"`
	EncryptedNonce       string `json:"encrypted_nonce,omitempty"`
	Proof                string `json:"proof,omitempty"`
	Fingerprint          string `json:"fingerprint,omitempty"`
	EncryptedUserPayload string `json:"encrypted_user_payload,omitempty"`
	EncryptedToken       string `json:"encrypted_token,omitempty"`
	Ticket               string `json:"ticket,omitempty"`
}

// parsePublicKey decodes a base64 SubjectPublicKeyInfo and returns the RSA
// key with the DER bytes it was read from.
func parsePublicKey(encoded string) (*rsa.PublicKey, []byte, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public key is not base64", errs.ErrMalformed)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: public key is not RSA", errs.ErrMalformed)
	}
	return pub, der, nil
}

// Fingerprint is the unpadded base64url SHA-256 of a DER public key.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func encrypt(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// verifyProof checks proof against sha256(nonce). Clients send it in either
// base64 alphabet.
func verifyProof(nonce []byte, proof string) bool {
	want := sha256.Sum256(nonce)
	got, err := base64.RawURLEncoding.DecodeString(proof)
	if err != nil {
		if got, err = base64.StdEncoding.DecodeString(proof); err != nil {
			return false
		}
	}
	return subtle.ConstantTimeCompare(want[:], got) == 1
}

// CompactIdentity is the user payload the new device sees before it accepts.
func CompactIdentity(u *storage.User) string {
	avatar := "0"
	if u.Avatar != nil && *u.Avatar != "" {
		avatar = *u.Avatar
	}
	return strconv.FormatInt(int64(u.ID), 10) + ":" + u.Discriminator + ":" + avatar + ":" + u.Username
}

package remoteauth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-gateway/internal/auth"
	"github.com/a-essam23/go-gateway/internal/server/middleware"
	"github.com/a-essam23/go-gateway/pkg/errs"
	"github.com/a-essam23/go-gateway/pkg/events"
)

const routePrefix = "/api/v9/users/@me/remote-auth"

// API serves the calls the approving device and the v2 new device make. It
// never mints a login session itself: the process holding the socket does
// that once the handshake is still pending there.
type API struct {
	tickets   *Tickets
	publisher *events.Publisher
	logger    *slog.Logger
}

func NewAPI(tickets *Tickets, publisher *events.Publisher, logger *slog.Logger) *API {
	return &API{
		tickets:   tickets,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "remote-auth-api")),
	}
}

// Register mounts the routes. authed must reject anonymous callers; optional
// lets them through with no identity.
func (a *API) Register(mux *http.ServeMux, authed, optional middleware.Middleware) {
	mux.Handle("POST "+routePrefix, authed(http.HandlerFunc(a.approve)))
	mux.Handle("POST "+routePrefix+"/finish", authed(http.HandlerFunc(a.finish)))
	mux.Handle("POST "+routePrefix+"/cancel", authed(http.HandlerFunc(a.cancel)))
	mux.Handle("POST "+routePrefix+"/login", optional(http.HandlerFunc(a.login)))
}

type approveRequest struct {
	Fingerprint string `json:"fingerprint"`
	Ticket      string `json:"ticket"`
}

type handshakeResponse struct {
	HandshakeToken string `json:"handshake_token"`
}

type finishRequest struct {
	HandshakeToken string `json:"handshake_token"`
	TemporaryToken bool   `json:"temporary_token"`
}

type loginResponse struct {
	EncryptedToken string `json:"encrypted_token"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		return errs.ErrMalformed
	}
	return nil
}

// approver returns the signed-in caller, refusing bots.
func approver(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ident, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "401: Unauthorized")
		return nil, false
	}
	if ident.Bot {
		middleware.WriteError(w, http.StatusForbidden, "Bots cannot approve remote logins")
		return nil, false
	}
	return ident, true
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil || req.Fingerprint == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	a.approveFingerprint(w, r, req.Fingerprint)
}

func (a *API) approveFingerprint(w http.ResponseWriter, r *http.Request, fingerprint string) {
	ident, ok := approver(w, r)
	if !ok {
		return
	}
	handshake, err := a.tickets.Handshake(fingerprint, ident.User.ID)
	if err != nil {
		a.logger.Error("Failed to sign handshake token", slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	err = a.publisher.RemoteAuth(r.Context(), events.RemoteAuthIntent{
		Op:          events.RemoteAuthApprove,
		Fingerprint: fingerprint,
		UserID:      ident.User.ID,
		Payload:     CompactIdentity(ident.User),
	})
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Broker unavailable")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, handshakeResponse{HandshakeToken: handshake})
}

// handshake resolves the handshake token of a finish or cancel call, checks
// it belongs to the caller and spends it.
func (a *API) handshake(w http.ResponseWriter, r *http.Request) (*Handshake, *auth.Identity, *finishRequest, bool) {
	ident, ok := approver(w, r)
	if !ok {
		return nil, nil, nil, false
	}
	var req finishRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid handshake token")
		return nil, nil, nil, false
	}
	hs, err := a.tickets.ParseHandshake(req.HandshakeToken)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid handshake token")
		return nil, nil, nil, false
	}
	if hs.UserID != ident.User.ID {
		middleware.WriteError(w, http.StatusForbidden, "Handshake belongs to another user")
		return nil, nil, nil, false
	}
	if !a.tickets.Spend(hs) {
		middleware.WriteError(w, http.StatusBadRequest, "Handshake already used")
		return nil, nil, nil, false
	}
	return hs, ident, &req, true
}

func (a *API) finish(w http.ResponseWriter, r *http.Request) {
	hs, ident, req, ok := a.handshake(w, r)
	if !ok {
		return
	}
	err := a.publisher.RemoteAuth(r.Context(), events.RemoteAuthIntent{
		Op:          events.RemoteAuthFinish,
		Fingerprint: hs.Fingerprint,
		UserID:      ident.User.ID,
	})
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Broker unavailable")
		return
	}
	a.logger.Info("Remote login finished",
		slog.Any("userID", ident.User.ID),
		slog.Bool("temporary", req.TemporaryToken),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	hs, ident, _, ok := a.handshake(w, r)
	if !ok {
		return
	}
	err := a.publisher.RemoteAuth(r.Context(), events.RemoteAuthIntent{
		Op:          events.RemoteAuthCancel,
		Fingerprint: hs.Fingerprint,
		UserID:      ident.User.ID,
	})
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Broker unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// login exchanges a v2 ticket for the encrypted token. A signed-in caller
// sending a fingerprint instead approves it.
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	switch {
	case req.Ticket != "":
		_, encrypted, err := a.tickets.ParseTicket(req.Ticket)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid ticket")
			return
		}
		middleware.WriteJSON(w, http.StatusOK, loginResponse{EncryptedToken: encrypted})
	case req.Fingerprint != "":
		a.approveFingerprint(w, r, req.Fingerprint)
	default:
		middleware.WriteError(w, http.StatusBadRequest, "Ticket or fingerprint required")
	}
}

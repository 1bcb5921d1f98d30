package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/a-essam23/go-gateway/internal/auth"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

type RequestMetadata struct {
	IP string
	// Identity is set by the auth middleware.
	Identity *auth.Identity
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// IdentityFrom returns the authenticated caller of a request, if any.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	meta, ok := ReqMetadataFrom(ctx)
	if !ok || meta.Identity == nil {
		return nil, false
	}
	return meta.Identity, true
}

// WithMetadata returns ctx carrying meta. Handlers mounted without the chain
// use it in tests.
func WithMetadata(ctx context.Context, meta *RequestMetadata) context.Context {
	return context.WithValue(ctx, reqMetaKey, meta)
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			next.ServeHTTP(w, r.WithContext(WithMetadata(r.Context(), reqMeta)))
		})
	}
}

package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/contextfs/syncd/internal/config"
	apierrors "github.com/contextfs/syncd/internal/errors"
)

// TenantKey is the context key for the authenticated tenant.
const TenantKey ContextKey = "tenant_id"

// TenantResolver maps a credential to the tenant it authenticates.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, credential string) (string, bool)
}

// StaticKeyResolver authenticates against API keys from configuration.
type StaticKeyResolver struct {
	keys []config.APIKey
}

// NewStaticKeyResolver creates a resolver over the configured API keys.
func NewStaticKeyResolver(keys []config.APIKey) *StaticKeyResolver {
	return &StaticKeyResolver{keys: append([]config.APIKey(nil), keys...)}
}

// ResolveTenant returns the tenant of a matching key.
func (s *StaticKeyResolver) ResolveTenant(_ context.Context, credential string) (string, bool) {
	if credential == "" {
		return "", false
	}
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(credential)) == 1 {
			return k.TenantID, true
		}
	}
	return "", false
}

// Authenticator puts the caller's tenant into the request context or
// rejects the request with 401.
type Authenticator struct {
	enabled       bool
	defaultTenant string
	resolver      TenantResolver
	errorHandler  *apierrors.Handler
	logger        *zap.Logger
}

// NewAuthenticator builds the middleware from auth configuration. With auth
// disabled every request is attributed to the default tenant.
func NewAuthenticator(cfg config.AuthConfig, resolver TenantResolver, errorHandler *apierrors.Handler, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		enabled:       cfg.Enabled,
		defaultTenant: cfg.DefaultTenant,
		resolver:      resolver,
		errorHandler:  errorHandler,
		logger:        logger,
	}
}

// Authenticate is the middleware function.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), a.defaultTenant)))
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		credential := credentialFromRequest(r)
		if credential == "" {
			a.errorHandler.WriteUnauthorized(w, "missing credentials", requestID)
			return
		}

		tenantID, ok := a.resolver.ResolveTenant(r.Context(), credential)
		if !ok {
			a.logger.Warn("rejected credentials",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			a.errorHandler.WriteUnauthorized(w, "invalid credentials", requestID)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

func credentialFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	return ""
}

// WithTenant returns a context carrying the tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// TenantFromContext returns the authenticated tenant.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantKey).(string)
	return tenantID, ok && tenantID != ""
}

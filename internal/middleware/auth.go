package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/clerk/clerk-sdk-go/v2"
	clerkhttp "github.com/clerk/clerk-sdk-go/v2/http"
	"github.com/filipexyz/genflow/internal/config"
)

type authContextKey string

const authCtxKey authContextKey = "authContext"

// AuthContext holds the identity every project operation is scoped to.
type AuthContext struct {
	OwnerID string
	// UserID is set when the owner was resolved from a Clerk session.
	UserID string
}

// Auth resolves the project owner for each request.
type Auth struct {
	mode         config.AuthMode
	defaultOwner string
}

// NewAuth creates the owner resolution middleware for the given mode.
func NewAuth(mode config.AuthMode, defaultOwner string) *Auth {
	return &Auth{mode: mode, defaultOwner: defaultOwner}
}

// Handler returns the middleware handler.
// In clerk mode CLERK_SECRET_KEY must be set via clerk.SetKey() before use.
func (a *Auth) Handler(next http.Handler) http.Handler {
	if a.mode == config.AuthModeNone {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := &AuthContext{OwnerID: a.defaultOwner}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), authCtx)))
		})
	}

	resolve := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := clerk.SessionClaimsFromContext(r.Context())
		if !ok || claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		authCtx := &AuthContext{OwnerID: claims.Subject, UserID: claims.Subject}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), authCtx)))
	})

	return ClerkQueryParamAuth()(clerkhttp.WithHeaderAuthorization()(resolve))
}

// ClerkQueryParamAuth moves query param 'token' to Authorization header
// for WebSocket connections so Clerk middleware can process it.
func ClerkQueryParamAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				if token := r.URL.Query().Get("token"); token != "" {
					r.Header.Set("Authorization", "Bearer "+token)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithAuthContext stores the auth context on ctx.
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey, authCtx)
}

// GetAuthContext retrieves the auth context from the request.
func GetAuthContext(ctx context.Context) *AuthContext {
	authCtx, _ := ctx.Value(authCtxKey).(*AuthContext)
	return authCtx
}

// GetOwnerID returns the owner id or "" when the request is unauthenticated.
func GetOwnerID(ctx context.Context) string {
	authCtx := GetAuthContext(ctx)
	if authCtx == nil {
		return ""
	}
	return authCtx.OwnerID
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

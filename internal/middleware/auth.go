package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/devicelink/server/internal/auth"
	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
)

// SessionCookie is the browser cookie that may carry the session token
const SessionCookie = "session"

type contextKey string

const (
	userKey   contextKey = "user"
	deviceKey contextKey = "device"
)

// DeviceAuthenticator resolves a device token to its device
type DeviceAuthenticator interface {
	AuthenticateDevice(ctx context.Context, token string) (model.Device, error)
}

// bearerToken returns the token of an "Authorization: Bearer" header, or ""
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SessionAuth validates the browser session JWT from the Authorization header
// or the session cookie, loads the user and attaches it to the context.
func SessionAuth(jwtService *auth.JWTService, userRepo repo.UserRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				if c, err := r.Cookie(SessionCookie); err == nil {
					tokenString = strings.TrimSpace(c.Value)
				}
			}
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
				return
			}

			claims, err := jwtService.VerifySessionToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "invalid or expired session")
				return
			}

			user, err := userRepo.GetByID(r.Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					respondWithError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "user not found")
					return
				}
				w.Header().Set("Retry-After", "1")
				respondWithError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load user")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, &user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceAuth requires a device token in the Authorization header and attaches
// the resolved device to the context.
func DeviceAuth(authn DeviceAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				respondWithError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing device token")
				return
			}

			device, err := authn.AuthenticateDevice(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrDeviceTokenInvalid) {
					respondWithError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "invalid device token")
					return
				}
				w.Header().Set("Retry-After", "1")
				respondWithError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to verify device token")
				return
			}

			ctx := context.WithValue(r.Context(), deviceKey, &device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser returns the user attached to the request context (set by SessionAuth)
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok && u != nil
}

// GetDevice returns the device attached to the request context (set by DeviceAuth)
func GetDevice(ctx context.Context) (*model.Device, bool) {
	d, ok := ctx.Value(deviceKey).(*model.Device)
	return d, ok && d != nil
}

// WithUser attaches a user to ctx the way SessionAuth does
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": http.StatusText(statusCode), "message": message, "code": code}
	_ = json.NewEncoder(w).Encode(response)
}

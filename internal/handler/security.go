package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/auth"
	"github.com/popkunst/storefront/pkg/httpmiddleware"
)

// APIKeyHeader carries admin API keys.
const APIKeyHeader = "X-API-Key"

// AdminScope is required on keys used for admin endpoints.
const AdminScope = "admin"

// HashAPIKey returns the stored form of key: hex HMAC-SHA256 with pepper.
func HashAPIKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// SecurityHandler authenticates admin requests via HMAC-SHA256 hashed API
// keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate looks the key up by its hash and requires scope.
func (s *SecurityHandler) Authenticate(ctx context.Context, key, scope string) (*auth.APIKeyInfo, bool) {
	if key == "" {
		return nil, false
	}
	hash := HashAPIKey(key, s.pepper)
	info, err := s.apikeys.FindByHash(ctx, hash)
	if err != nil {
		return nil, false
	}
	// The lookup matched by hash already; compare again in constant time in
	// case the repository matched loosely.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(info.KeyHash))) != 1 {
		return nil, false
	}
	if !slices.Contains(info.Scopes, scope) {
		return nil, false
	}
	return info, true
}

// RequireScope rejects requests without a valid API key carrying scope.
func (s *SecurityHandler) RequireScope(scope string) httpmiddleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := s.Authenticate(r.Context(), r.Header.Get(APIKeyHeader), scope)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			lg := zctx.From(r.Context()).With(zap.String("api_key", info.Name))
			next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
		})
	}
}

// requireCronSecret checks the Authorization: Bearer header against the
// configured cron secret.
func (h *Handler) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.cfg.CronSecret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.CronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid cron secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

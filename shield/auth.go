package shield

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BearerAuth guards admin endpoints with a static bearer password compared
// against a bcrypt hash. The hash is computed once at startup so the
// password itself never sits in process memory longer than needed.
type BearerAuth struct {
	hash []byte
}

// NewBearerAuth hashes the given password. An empty password disables the
// guard: Middleware passes everything through.
func NewBearerAuth(password string) (*BearerAuth, error) {
	if password == "" {
		return &BearerAuth{}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &BearerAuth{hash: hash}, nil
}

// Enabled reports whether a password was configured.
func (a *BearerAuth) Enabled() bool { return len(a.hash) > 0 }

// Middleware rejects requests without a matching Authorization bearer
// token.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the bearer credential; the scheme is matched
// case-insensitively per RFC 7235.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

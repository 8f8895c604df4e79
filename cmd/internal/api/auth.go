package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var errBadCredentials = errors.New("invalid admin credentials")

// authenticateAdmin checks the configured username plus bcrypt password hash.
func (h *Handler) authenticateAdmin(username, password string) error {
	if username != h.cfg.AdminUsername {
		// Equalize timing with a throwaway compare.
		_ = bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(password))
		return errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminPasswordHash), []byte(password)); err != nil {
		return errBadCredentials
	}
	return nil
}

// newAdminToken mints a short-lived bearer token for the admin user.
func (h *Handler) newAdminToken(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   h.cfg.AdminUsername,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.cfg.AdminTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.cfg.AdminTokenSecret))
}

// verifyAdminToken validates a bearer token and its subject.
func (h *Handler) verifyAdminToken(raw string) error {
	parsed, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(h.cfg.AdminTokenSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return errBadCredentials
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != h.cfg.AdminUsername {
		return errBadCredentials
	}
	return nil
}

// requireAdmin wraps admin endpoints with bearer auth. Unconfigured admin
// auth answers 503 so a half-deployed instance is loud about it.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.adminConfigured() {
			writeError(w, http.StatusServiceUnavailable, "admin_unconfigured", "admin authentication is not configured")
			return
		}

		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if header == "" || !strings.HasPrefix(header, prefix) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		if err := h.verifyAdminToken(strings.TrimSpace(header[len(prefix):])); err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next(w, r)
	}
}

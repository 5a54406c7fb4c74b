package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	adminTokenIterations = 120_000
	adminTokenKeyLength  = 32
	adminTokenSaltLength = 16
)

// adminToken holds a derived key for the single operator token. The plain
// token only exists in configuration; requests are checked in constant time.
type adminToken struct {
	salt []byte
	key  []byte
}

func newAdminToken(token string) (adminToken, error) {
	salt := make([]byte, adminTokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return adminToken{}, fmt.Errorf("generate admin token salt: %w", err)
	}
	key := pbkdf2.Key([]byte(token), salt, adminTokenIterations, adminTokenKeyLength, sha256.New)
	return adminToken{salt: salt, key: key}, nil
}

func (a adminToken) configured() bool {
	return len(a.key) > 0
}

func (a adminToken) matches(token string) bool {
	if !a.configured() || token == "" {
		return false
	}
	candidate := pbkdf2.Key([]byte(token), a.salt, adminTokenIterations, adminTokenKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(candidate, a.key) == 1
}

// ExtractToken pulls a bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAdmin answers false after writing a 401 when the request does not
// carry the operator token.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !h.admin.configured() {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("admin access is not configured"))
		return false
	}
	if !h.admin.matches(ExtractToken(r)) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid admin token"))
		return false
	}
	return true
}

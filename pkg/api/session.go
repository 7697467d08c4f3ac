package api

import (
	"net/http"
	"strings"

	"github.com/stackwatch/stackwatch/pkg/auth"
)

type sessionHandler struct {
	service *auth.Service
}

// logout revokes the presented token. The denylist insert is idempotent,
// so logging out twice with the same token succeeds both times.
func (h *sessionHandler) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := h.service.Revoke(r.Context(), token, "logout"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}

	// Expire the fingerprint cookie client-side too.
	http.SetCookie(w, &http.Cookie{
		Name:     auth.FingerprintCookie,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusNoContent)
}

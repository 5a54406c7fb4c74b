package api

import (
	"fmt"
	"net/http"

	"vidrelay/internal/storage"
)

type indexPage struct {
	Stats storage.Stats
}

// Index renders the landing page with catalogue totals. Every unrouted path
// lands here, so anything but the root renders the error page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		h.renderNotFound(w)
		return
	}
	stats, err := h.Store.Stats()
	if err != nil {
		h.Logger.Error("stats lookup failed", "error", err)
		// The landing page is not worth failing over a degraded store.
		stats = storage.Stats{}
	}
	h.renderPage(w, http.StatusOK, "index.html", indexPage{Stats: stats})
}

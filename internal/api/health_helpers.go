package api

import (
	"context"
	"net/http"
	"time"

	"vidrelay/internal/storage"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	if h.Resolver != nil {
		components = append(components, recordComponent("resolver", h.Resolver.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports component connectivity and catalogue totals.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components, status, statusCode := h.componentHealth(ctx)
	stats := storage.Stats{}
	if h.Store != nil {
		if s, err := h.Store.Stats(); err == nil {
			stats = s
		}
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":      status,
		"components":  components,
		"totalVideos": stats.Videos,
		"totalViews":  stats.Views,
	})
}

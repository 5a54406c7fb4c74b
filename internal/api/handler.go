package api

import (
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vidrelay/internal/observability/metrics"
	"vidrelay/internal/relay"
	"vidrelay/internal/resolver"
	"vidrelay/internal/storage"
)

// Handler carries the HTTP endpoints' collaborators.
type Handler struct {
	Store     storage.Repository
	Resolver  resolver.Resolver
	Relay     *relay.Relay
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Templates *template.Template

	// PublicURL is the externally visible base used when composing share and
	// stream links, e.g. https://vid.example.com.
	PublicURL string
	// TTL drives the manual cleanup endpoint.
	TTL time.Duration
	// MaxUploadBytes rejects registrations for files the upstream host will
	// not serve anyway. Zero disables the check.
	MaxUploadBytes int64

	admin adminToken
}

// Config wires a Handler.
type Config struct {
	Store          storage.Repository
	Resolver       resolver.Resolver
	Relay          *relay.Relay
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	Templates      *template.Template
	PublicURL      string
	AdminToken     string
	TTL            time.Duration
	MaxUploadBytes int64
}

// NewHandler builds the endpoint handler. The admin token is hashed at
// construction and never retained in plain text.
func NewHandler(cfg Config) (*Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	h := &Handler{
		Store:          cfg.Store,
		Resolver:       cfg.Resolver,
		Relay:          cfg.Relay,
		Metrics:        recorder,
		Logger:         logger,
		Templates:      cfg.Templates,
		PublicURL:      strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/"),
		TTL:            cfg.TTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if token := strings.TrimSpace(cfg.AdminToken); token != "" {
		admin, err := newAdminToken(token)
		if err != nil {
			return nil, err
		}
		h.admin = admin
	}
	return h, nil
}

// streamURL composes the public watch-page link for a video.
func (h *Handler) streamURL(id string) string {
	return h.PublicURL + "/stream/" + id
}

// videoURL composes the public byte-serving link for a video.
func (h *Handler) videoURL(id string) string {
	return h.PublicURL + "/video/" + id
}

func (h *Handler) renderPage(w http.ResponseWriter, status int, name string, data any) {
	if h.Templates == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.Templates.ExecuteTemplate(w, name, data); err != nil {
		h.Logger.Error("render page failed", "template", name, "error", err)
	}
}

type errorPage struct {
	Title   string
	Message string
}

func (h *Handler) renderNotFound(w http.ResponseWriter) {
	h.renderPage(w, http.StatusNotFound, "error.html", errorPage{
		Title:   "Video unavailable",
		Message: "This video was not found or has expired.",
	})
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidrelay/internal/models"
	"vidrelay/internal/relay"
	"vidrelay/internal/resolver"
	"vidrelay/internal/storage"
)

// putAttempts bounds retries when a generated id collides with a live record.
const putAttempts = 3

type videoResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType"`
	Views     int64     `json:"views"`
	CreatedAt time.Time `json:"createdAt"`
	StreamURL string    `json:"streamUrl"`
	VideoURL  string    `json:"videoUrl"`
}

func (h *Handler) videoResponse(record models.VideoRecord) videoResponse {
	return videoResponse{
		ID:        record.ID,
		Name:      record.DisplayName,
		Size:      record.SizeBytes,
		MimeType:  record.ContentType(),
		Views:     record.ViewCount,
		CreatedAt: record.CreatedAt,
		StreamURL: h.streamURL(record.ID),
		VideoURL:  h.videoURL(record.ID),
	}
}

func pathID(r *http.Request, prefix string) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

type playerPage struct {
	Video     models.VideoRecord
	VideoURL  string
	Views     int64
	SizeLabel string
}

// StreamPage renders the watch page for GET /stream/{id}. Rendering the page
// is the one and only place a view is counted; the byte endpoint stays free
// of side effects so seeks and players never inflate the number.
func (h *Handler) StreamPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	id := pathID(r, "/stream/")
	if id == "" {
		h.renderNotFound(w)
		return
	}
	record, ok, err := h.Store.Get(id)
	if err != nil {
		h.Logger.Error("stream page lookup failed", "video_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable"))
		return
	}
	if !ok {
		h.renderNotFound(w)
		return
	}

	views := record.ViewCount
	if r.Method == http.MethodGet {
		if updated, counted, err := h.Store.IncrementViews(id); err != nil {
			h.Logger.Warn("view increment failed", "video_id", id, "error", err)
		} else if counted {
			views = updated
			h.Metrics.ObserveView()
		}
	}

	h.renderPage(w, http.StatusOK, "player.html", playerPage{
		Video:     record,
		VideoURL:  h.videoURL(record.ID),
		Views:     views,
		SizeLabel: sizeLabel(record.SizeBytes),
	})
}

// VideoBytes serves GET /video/{id}, honoring a single byte range. Errors are
// bare status codes: the consumers are video elements, not people.
func (h *Handler) VideoBytes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := pathID(r, "/video/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	record, ok, err := h.Store.Get(id)
	if err != nil {
		h.Logger.Error("video lookup failed", "video_id", id, "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := h.Relay.ServeVideo(w, r, record); err != nil {
		switch {
		case errors.Is(err, relay.ErrBusy):
			w.WriteHeader(http.StatusServiceUnavailable)
		case errors.Is(err, resolver.ErrUnavailable), errors.Is(err, relay.ErrUpstream):
			h.Logger.Warn("relay failed", "video_id", id, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		default:
			h.Logger.Error("relay failed", "video_id", id, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		}
	}
}

// VideoByID handles /api/video/{id}: GET returns metadata, DELETE removes the
// record for its owner or the operator.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/video/")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.getVideo(w, id)
	case http.MethodDelete:
		h.deleteVideo(w, r, id)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) getVideo(w http.ResponseWriter, id string) {
	record, ok, err := h.Store.Get(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable"))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, h.videoResponse(record))
}

func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, id string) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		// Without an owner scope the delete is unrestricted, so it requires
		// the operator token.
		if !h.requireAdmin(w, r) {
			return
		}
	}
	removed, err := h.Store.Delete(id, ownerID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable"))
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type createVideoRequest struct {
	UpstreamHandle string `json:"upstreamHandle"`
	DisplayName    string `json:"displayName"`
	SizeBytes      int64  `json:"sizeBytes"`
	MimeType       string `json:"mimeType"`
	OwnerID        string `json:"ownerId"`
}

// Videos handles /api/videos: POST registers a record on behalf of the bot
// front-end, GET lists an owner's records. Both require the operator token.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createVideo(w, r)
	case http.MethodGet:
		h.listVideos(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.UpstreamHandle = strings.TrimSpace(req.UpstreamHandle)
	if req.UpstreamHandle == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("upstreamHandle is required"))
		return
	}
	if req.SizeBytes < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sizeBytes must be non-negative"))
		return
	}
	if h.MaxUploadBytes > 0 && req.SizeBytes > h.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("video exceeds the %d byte limit", h.MaxUploadBytes))
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = fmt.Sprintf("video-%s.mp4", time.Now().UTC().Format("20060102-150405"))
	}

	record := models.VideoRecord{
		UpstreamHandle: req.UpstreamHandle,
		DisplayName:    name,
		SizeBytes:      req.SizeBytes,
		MimeType:       strings.TrimSpace(req.MimeType),
		OwnerID:        strings.TrimSpace(req.OwnerID),
		CreatedAt:      time.Now().UTC(),
	}

	var putErr error
	for attempt := 0; attempt < putAttempts; attempt++ {
		id, err := storage.GenerateID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		record.ID = id
		putErr = h.Store.Put(record)
		if putErr == nil {
			writeJSON(w, http.StatusCreated, h.videoResponse(record))
			return
		}
		if !errors.Is(putErr, storage.ErrDuplicateID) {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable"))
			return
		}
	}
	writeError(w, http.StatusConflict, putErr)
}

func (h *Handler) listVideos(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ownerId is required"))
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	records, err := h.Store.ListByOwner(ownerID, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable"))
		return
	}
	payload := make([]videoResponse, 0, len(records))
	for _, record := range records {
		payload = append(payload, h.videoResponse(record))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": payload})
}

// Cleanup handles POST /api/admin/cleanup, running a retention sweep on
// demand.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	removed, err := h.Store.Sweep(h.TTL)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable"))
		return
	}
	h.Metrics.ObserveSweep(removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func sizeLabel(size int64) string {
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(size)/float64(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(size)/float64(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(size)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}

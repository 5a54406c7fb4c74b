package models

import "time"

// VideoRecord describes a single shared video. The bytes themselves stay with
// the upstream blob service; the record carries the opaque handle needed to
// fetch them plus presentation metadata.
type VideoRecord struct {
	ID             string    `json:"id"`
	UpstreamHandle string    `json:"upstreamHandle"`
	DisplayName    string    `json:"displayName"`
	SizeBytes      int64     `json:"sizeBytes"`
	MimeType       string    `json:"mimeType"`
	OwnerID        string    `json:"ownerId"`
	ViewCount      int64     `json:"viewCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DefaultMimeType is assumed when a record was registered without one.
const DefaultMimeType = "video/mp4"

// ContentType returns the stored mime type, falling back to the default.
func (v VideoRecord) ContentType() string {
	if v.MimeType == "" {
		return DefaultMimeType
	}
	return v.MimeType
}

// Package apitypes provides API response types for the ReelGrab HTTP API.
package apitypes

import "time"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Stats represents engine statistics.
type Stats struct {
	Backends       int            `json:"backends"`
	TitlesByStatus map[string]int `json:"titles_by_status,omitempty"`
	LastPass       *PassSummary   `json:"last_pass,omitempty"`
}

// PassSummary is the wire form of one orchestration pass result.
type PassSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Processed        int `json:"processed"`
	AlreadyInLibrary int `json:"already_in_library"`
	Downloading      int `json:"downloading"`
	Restarted        int `json:"restarted"`
	Added            int `json:"added"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
}

// BackendInfo describes a configured torrent client.
type BackendInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Transfer is a point-in-time view of one transfer on a backend.
type Transfer struct {
	Backend      string    `json:"backend"`
	Hash         string    `json:"hash"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Progress     float64   `json:"progress"`
	DownloadRate int64     `json:"download_rate"`
	UploadRate   int64     `json:"upload_rate"`
	Seeds        int       `json:"seeds"`
	Peers        int       `json:"peers"`
	Status       string    `json:"status"`
	NativeStatus string    `json:"native_status"`
	AddedAt      time.Time `json:"added_at,omitzero"`
}

// MagnetSubmission is one magnet candidate offered for a title.
type MagnetSubmission struct {
	URI     string  `json:"uri"`
	Name    string  `json:"name,omitempty"`
	Size    int64   `json:"size,omitempty"`
	Seeds   int     `json:"seeds,omitempty"`
	Quality float64 `json:"quality,omitempty"`
}

// IngestResult reports how many submitted candidates were stored.
type IngestResult struct {
	Accepted int `json:"accepted"`
	Entities int `json:"entities,omitempty"`
}

// EntitySubmission is one related catalog entity observed for a title.
type EntitySubmission struct {
	Kind   string            `json:"kind"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// TitleSubmission carries pre-parsed metadata and candidates for a title.
type TitleSubmission struct {
	Name     string             `json:"name,omitempty"`
	Size     int64              `json:"size,omitempty"`
	Entities []EntitySubmission `json:"entities,omitempty"`
	Magnets  []MagnetSubmission `json:"magnets,omitempty"`
}

// Title is the wire form of a catalog title.
type Title struct {
	SerialCode string    `json:"serial_code"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status"`
	Hash       string    `json:"hash,omitempty"`
	Size       int64     `json:"size,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

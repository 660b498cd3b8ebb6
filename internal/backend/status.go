package backend

import (
	"fmt"
	"sort"
)

// DownloadStatus is the shared status space every backend adapter maps its
// native vocabulary into. The numeric ordering is load-bearing: range checks
// such as InFlight classify a transfer, so values must not be reordered.
type DownloadStatus int

const (
	// StatusNotDiscovered means the title has not been seen by ingestion yet.
	StatusNotDiscovered DownloadStatus = iota
	// StatusDiscovered means metadata exists but no download has started.
	StatusDiscovered
	// StatusCrawlFailed means metadata discovery failed.
	StatusCrawlFailed
	// StatusDownloadFailed means every candidate source failed.
	StatusDownloadFailed
	// StatusError means the backend reported an error state.
	StatusError
	// StatusQueued means the transfer is waiting in the backend queue.
	StatusQueued
	// StatusChecking means the backend is verifying existing data.
	StatusChecking
	// StatusAllocating means the backend is allocating disk space.
	StatusAllocating
	// StatusDownloading means bytes are moving.
	StatusDownloading
	// StatusPaused means the transfer is paused in the backend.
	StatusPaused
	// StatusCompleted means the transfer finished but is not yet imported.
	StatusCompleted
	// StatusInLibrary means the title is present in the media library.
	StatusInLibrary
	// StatusNoSource means the title has no usable magnet.
	StatusNoSource
	// StatusOther covers backend states with no better mapping.
	StatusOther
)

// statusNames indexes display names by status value.
var statusNames = [...]string{
	"not_discovered",
	"discovered",
	"crawl_failed",
	"download_failed",
	"error",
	"queued",
	"checking",
	"allocating",
	"downloading",
	"paused",
	"completed",
	"in_library",
	"no_source",
	"other",
}

func (s DownloadStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("download_status(%d)", int(s))
	}
	return statusNames[s]
}

// InFlight reports whether the backend currently owns this transfer.
// Completed and InLibrary are absorbing and excluded from the range.
func (s DownloadStatus) InFlight() bool {
	return s >= StatusQueued && s < StatusCompleted
}

// Absorbing reports whether no further per-pass action applies.
func (s DownloadStatus) Absorbing() bool {
	return s == StatusCompleted || s == StatusInLibrary
}

// StatusTable translates one backend's native status vocabulary into the
// shared DownloadStatus space. Native states missing from the table map to
// StatusError so an unrecognized transfer is surfaced, never dropped.
type StatusTable struct {
	entries map[string]DownloadStatus
}

// NewStatusTable builds a translation table from native status names.
func NewStatusTable(entries map[string]DownloadStatus) StatusTable {
	copied := make(map[string]DownloadStatus, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return StatusTable{entries: copied}
}

// Map translates a native status. Unknown states map to StatusError.
func (t StatusTable) Map(native string) DownloadStatus {
	if s, ok := t.entries[native]; ok {
		return s
	}
	return StatusError
}

// Validate checks the table covers every native status the adapter can emit.
// Adapters call this at construction so a vocabulary gap fails fast instead
// of mistranslating live transfers later.
func (t StatusTable) Validate(emittable []string) error {
	var missing []string
	for _, native := range emittable {
		if _, ok := t.entries[native]; !ok {
			missing = append(missing, native)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("status table missing native states: %v", missing)
	}
	return nil
}

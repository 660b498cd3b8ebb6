package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transmission reports status as an integer; names follow the RPC spec.
const (
	transmissionStopped         = 0
	transmissionCheckPending    = 1
	transmissionChecking        = 2
	transmissionDownloadPending = 3
	transmissionDownloading     = 4
	transmissionSeedPending     = 5
	transmissionSeeding         = 6
)

// transmissionStatusNames translates the RPC integers before table lookup
// so the shared StatusTable stays string keyed like the other adapters.
var transmissionStatusNames = map[int]string{
	transmissionStopped:         "stopped",
	transmissionCheckPending:    "check pending",
	transmissionChecking:        "checking",
	transmissionDownloadPending: "download pending",
	transmissionDownloading:     "downloading",
	transmissionSeedPending:     "seed pending",
	transmissionSeeding:         "seeding",
}

var transmissionStatuses = NewStatusTable(map[string]DownloadStatus{
	"stopped":          StatusPaused,
	"check pending":    StatusQueued,
	"checking":         StatusChecking,
	"download pending": StatusQueued,
	"downloading":      StatusDownloading,
	"seed pending":     StatusQueued,
	"seeding":          StatusCompleted,
})

var transmissionEmittable = []string{
	"stopped", "check pending", "checking",
	"download pending", "downloading", "seed pending", "seeding",
}

// TransmissionConfig configures a Transmission RPC adapter.
type TransmissionConfig struct {
	Name     string
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// transmissionBackend implements Backend over the Transmission JSON-RPC
// protocol. The daemon issues a CSRF session id via a 409 handshake; the
// adapter caches it and retries the request once when it rotates.
type transmissionBackend struct {
	name       string
	rpcURL     string
	username   string
	password   string
	httpClient *http.Client
	statuses   StatusTable
	logger     zerolog.Logger

	mu        sync.Mutex
	sessionID string
}

type transmissionRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type transmissionResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// transmissionTorrent is a torrent row from torrent-get.
type transmissionTorrent struct {
	HashString         string  `json:"hashString"`
	Name               string  `json:"name"`
	Status             int     `json:"status"`
	TotalSize          int64   `json:"totalSize"`
	DownloadedEver     int64   `json:"downloadedEver"`
	UploadedEver       int64   `json:"uploadedEver"`
	PercentDone        float64 `json:"percentDone"`
	RateDownload       int64   `json:"rateDownload"`
	RateUpload         int64   `json:"rateUpload"`
	PeersSendingToUs   int     `json:"peersSendingToUs"`
	PeersGettingFromUs int     `json:"peersGettingFromUs"`
	BandwidthPriority  int     `json:"bandwidthPriority"`
	DownloadDir        string  `json:"downloadDir"`
	AddedDate          int64   `json:"addedDate"`
}

var transmissionTorrentFields = []string{
	"hashString", "name", "status", "totalSize",
	"downloadedEver", "uploadedEver", "percentDone",
	"rateDownload", "rateUpload",
	"peersSendingToUs", "peersGettingFromUs",
	"bandwidthPriority", "downloadDir", "addedDate",
}

func (c *transmissionBackend) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewTransmission creates a Transmission adapter and returns it as Backend.
func NewTransmission(cfg TransmissionConfig, opts ...Option) (Backend, error) {
	if err := transmissionStatuses.Validate(transmissionEmittable); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWireTimeout
	}

	rpcURL := strings.TrimSuffix(cfg.URL, "/")
	if !strings.HasSuffix(rpcURL, "/transmission/rpc") {
		rpcURL += "/transmission/rpc"
	}

	c := &transmissionBackend{
		name:     cfg.Name,
		rpcURL:   rpcURL,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		statuses: transmissionStatuses,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *transmissionBackend) Name() string {
	return c.name
}

func (c *transmissionBackend) Kind() string {
	return "transmission"
}

// Healthy verifies the daemon answers RPC calls.
func (c *transmissionBackend) Healthy(ctx context.Context) error {
	if _, err := c.rpc(ctx, "session-get", nil); err != nil {
		return fmt.Errorf("transmission unreachable: %w", err)
	}

	c.logger.Debug().
		Str("name", c.name).
		Str("url", c.rpcURL).
		Msg("connected to transmission")

	return nil
}

// AddMagnet submits a magnet link. The daemon answers with
// "torrent-duplicate" for a hash it already holds, which counts as success.
func (c *transmissionBackend) AddMagnet(ctx context.Context, uri, savePath string) error {
	return withRetry(ctx, func() error {
		args := map[string]any{"filename": uri}
		if savePath != "" {
			args["download-dir"] = savePath
		}
		_, err := c.rpc(ctx, "torrent-add", args)
		return err
	})
}

func (c *transmissionBackend) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return withRetry(ctx, func() error {
		_, err := c.rpc(ctx, "torrent-remove", map[string]any{
			"ids":               []string{hash},
			"delete-local-data": deleteFiles,
		})
		return err
	})
}

func (c *transmissionBackend) Pause(ctx context.Context, hash string) error {
	return withRetry(ctx, func() error {
		_, err := c.rpc(ctx, "torrent-stop", map[string]any{"ids": []string{hash}})
		return err
	})
}

func (c *transmissionBackend) Resume(ctx context.Context, hash string) error {
	return withRetry(ctx, func() error {
		_, err := c.rpc(ctx, "torrent-start", map[string]any{"ids": []string{hash}})
		return err
	})
}

func (c *transmissionBackend) Snapshot(ctx context.Context, hash string) (TransferSnapshot, error) {
	var snap TransferSnapshot
	err := withRetry(ctx, func() error {
		torrents, err := c.torrentGet(ctx, []string{hash})
		if err != nil {
			return err
		}
		if len(torrents) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		snap = c.toSnapshot(torrents[0])
		return nil
	})
	return snap, err
}

func (c *transmissionBackend) Snapshots(ctx context.Context) ([]TransferSnapshot, error) {
	var snaps []TransferSnapshot
	err := withRetry(ctx, func() error {
		torrents, err := c.torrentGet(ctx, nil)
		if err != nil {
			return err
		}
		snaps = make([]TransferSnapshot, len(torrents))
		for i, t := range torrents {
			snaps[i] = c.toSnapshot(t)
		}
		return nil
	})
	return snaps, err
}

// SetPriority maps to bandwidthPriority: -1 low, 0 normal, 1 high.
func (c *transmissionBackend) SetPriority(ctx context.Context, hash string, priority int) error {
	bp := 0
	switch {
	case priority <= 1:
		bp = 1
	case priority >= 3:
		bp = -1
	}
	return withRetry(ctx, func() error {
		_, err := c.rpc(ctx, "torrent-set", map[string]any{
			"ids":               []string{hash},
			"bandwidthPriority": bp,
		})
		return err
	})
}

// SetRateLimits applies session speed limits. Transmission takes KB/s; zero
// disables the limit.
func (c *transmissionBackend) SetRateLimits(ctx context.Context, downBPS, upBPS int64) error {
	return withRetry(ctx, func() error {
		_, err := c.rpc(ctx, "session-set", map[string]any{
			"speed-limit-down":         downBPS / 1024,
			"speed-limit-down-enabled": downBPS > 0,
			"speed-limit-up":           upBPS / 1024,
			"speed-limit-up-enabled":   upBPS > 0,
		})
		return err
	})
}

func (c *transmissionBackend) torrentGet(ctx context.Context, ids []string) ([]transmissionTorrent, error) {
	args := map[string]any{"fields": transmissionTorrentFields}
	if len(ids) > 0 {
		args["ids"] = ids
	}

	raw, err := c.rpc(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode torrent-get: %w", ErrTransport, err)
	}
	return payload.Torrents, nil
}

// rpc issues one JSON-RPC call, replaying it once after a 409 to pick up a
// rotated session id.
func (c *transmissionBackend) rpc(ctx context.Context, method string, args any) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.post(ctx, method, args)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusConflict {
			c.setSessionID(resp.Header.Get("X-Transmission-Session-Id"))
			resp.Body.Close()
			continue
		}

		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %s", ErrAuth, method)
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("%w: %s status %d", ErrTransport, method, resp.StatusCode)
		}

		var body transmissionResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrTransport, method, err)
		}
		if body.Result != "success" {
			return nil, fmt.Errorf("%w: %s: %s", ErrTransport, method, body.Result)
		}
		return body.Arguments, nil
	}

	return nil, fmt.Errorf("%w: %s: session id handshake failed", ErrTransport, method)
}

func (c *transmissionBackend) post(ctx context.Context, method string, args any) (*http.Response, error) {
	payload, err := json.Marshal(transmissionRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := c.getSessionID(); id != "" {
		req.Header.Set("X-Transmission-Session-Id", id)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return resp, nil
}

func (c *transmissionBackend) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *transmissionBackend) getSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *transmissionBackend) toSnapshot(t transmissionTorrent) TransferSnapshot {
	var addedAt time.Time
	if t.AddedDate > 0 {
		addedAt = time.Unix(t.AddedDate, 0)
	}

	native, ok := transmissionStatusNames[t.Status]
	if !ok {
		native = fmt.Sprintf("status(%d)", t.Status)
	}

	return TransferSnapshot{
		Hash:         strings.ToLower(t.HashString),
		Name:         t.Name,
		Size:         t.TotalSize,
		Downloaded:   t.DownloadedEver,
		Uploaded:     t.UploadedEver,
		Progress:     t.PercentDone,
		DownloadRate: t.RateDownload,
		UploadRate:   t.RateUpload,
		Seeds:        t.PeersSendingToUs,
		Peers:        t.PeersGettingFromUs,
		Priority:     t.BandwidthPriority,
		Status:       c.statuses.Map(native),
		NativeStatus: native,
		SavePath:     t.DownloadDir,
		AddedAt:      addedAt,
	}
}

var _ Backend = (*transmissionBackend)(nil)

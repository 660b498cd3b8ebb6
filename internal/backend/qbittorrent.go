package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// qbittorrentStatuses maps the qBittorrent WebUI torrent states. qBittorrent
// v4.5+ renamed "paused" to "stopped"; both spellings stay mapped.
var qbittorrentStatuses = NewStatusTable(map[string]DownloadStatus{
	"downloading":        StatusDownloading,
	"stalledDL":          StatusDownloading,
	"metaDL":             StatusDownloading,
	"forcedDL":           StatusDownloading,
	"uploading":          StatusCompleted,
	"stalledUP":          StatusCompleted,
	"forcedUP":           StatusCompleted,
	"pausedDL":           StatusPaused,
	"pausedUP":           StatusPaused,
	"stoppedDL":          StatusPaused,
	"stoppedUP":          StatusPaused,
	"queuedDL":           StatusQueued,
	"queuedUP":           StatusQueued,
	"checkingDL":         StatusChecking,
	"checkingUP":         StatusChecking,
	"checkingResumeData": StatusChecking,
	"allocating":         StatusAllocating,
	"moving":             StatusOther,
	"error":              StatusError,
	"missingFiles":       StatusError,
	"unknown":            StatusError,
})

// qbittorrentEmittable lists every state the WebUI API documents.
var qbittorrentEmittable = []string{
	"downloading", "stalledDL", "metaDL", "forcedDL",
	"uploading", "stalledUP", "forcedUP",
	"pausedDL", "pausedUP", "stoppedDL", "stoppedUP",
	"queuedDL", "queuedUP",
	"checkingDL", "checkingUP", "checkingResumeData",
	"allocating", "moving", "error", "missingFiles", "unknown",
}

// QBittorrentConfig configures a qBittorrent WebUI adapter.
type QBittorrentConfig struct {
	Name     string
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// qbittorrentBackend implements Backend for the qBittorrent WebUI API.
// It is private and only exposed via the Backend interface.
type qbittorrentBackend struct {
	name       string
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	statuses   StatusTable
	logger     zerolog.Logger
}

// qbittorrentTorrent is a torrent row from /api/v2/torrents/info.
type qbittorrentTorrent struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	SavePath   string  `json:"save_path"`
	Size       int64   `json:"size"`
	Downloaded int64   `json:"downloaded"`
	Uploaded   int64   `json:"uploaded"`
	Progress   float64 `json:"progress"`
	DLSpeed    int64   `json:"dlspeed"`
	UPSpeed    int64   `json:"upspeed"`
	NumSeeds   int     `json:"num_seeds"`
	NumLeechs  int     `json:"num_leechs"`
	Priority   int     `json:"priority"`
	AddedOn    int64   `json:"added_on"`
}

// setLogger implements configurable for shared options.
func (c *qbittorrentBackend) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewQBittorrent creates a qBittorrent adapter and returns it as Backend.
func NewQBittorrent(cfg QBittorrentConfig, opts ...Option) (Backend, error) {
	if err := qbittorrentStatuses.Validate(qbittorrentEmittable); err != nil {
		return nil, err
	}

	jar, _ := cookiejar.New(nil)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWireTimeout
	}

	c := &qbittorrentBackend{
		name:     cfg.Name,
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		statuses: qbittorrentStatuses,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Name returns the configured name of this backend instance.
func (c *qbittorrentBackend) Name() string {
	return c.name
}

// Kind returns the adapter protocol.
func (c *qbittorrentBackend) Kind() string {
	return "qbittorrent"
}

// Healthy verifies connectivity and credentials.
func (c *qbittorrentBackend) Healthy(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return fmt.Errorf("qbittorrent login failed: %w", err)
	}

	c.logger.Debug().
		Str("name", c.name).
		Str("url", c.baseURL).
		Msg("connected to qbittorrent")

	return nil
}

func (c *qbittorrentBackend) login(ctx context.Context) error {
	// qBittorrent may be configured without auth
	if c.username == "" && c.password == "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/app/version", nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: authentication required but no credentials provided", ErrAuth)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
		}

		return nil
	}

	data := url.Values{
		"username": {c.username},
		"password": {c.password},
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		c.baseURL+"/api/v2/auth/login",
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "Ok." {
		return fmt.Errorf("%w: %s", ErrAuth, string(body))
	}

	return nil
}

// AddMagnet adds a magnet link. Re-adding a hash already present succeeds
// without side effects: qBittorrent returns "Fails." for duplicates, so we
// check first.
func (c *qbittorrentBackend) AddMagnet(ctx context.Context, uri, savePath string) error {
	return withRetry(ctx, func() error {
		data := url.Values{"urls": {uri}}
		if savePath != "" {
			data.Set("savepath", savePath)
		}

		body, err := c.postForm(ctx, "/api/v2/torrents/add", data)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(body)) == "Fails." {
			// Duplicate adds fail with this body; treat as already present.
			c.logger.Debug().Str("name", c.name).Msg("magnet already present")
		}
		return nil
	})
}

// Remove deletes a transfer, optionally with its downloaded data.
func (c *qbittorrentBackend) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return withRetry(ctx, func() error {
		data := url.Values{
			"hashes":      {hash},
			"deleteFiles": {strconv.FormatBool(deleteFiles)},
		}
		_, err := c.postForm(ctx, "/api/v2/torrents/delete", data)
		return err
	})
}

// Pause stops a transfer.
func (c *qbittorrentBackend) Pause(ctx context.Context, hash string) error {
	return withRetry(ctx, func() error {
		_, err := c.postForm(ctx, "/api/v2/torrents/pause", url.Values{"hashes": {hash}})
		return err
	})
}

// Resume restarts a paused transfer.
func (c *qbittorrentBackend) Resume(ctx context.Context, hash string) error {
	return withRetry(ctx, func() error {
		_, err := c.postForm(ctx, "/api/v2/torrents/resume", url.Values{"hashes": {hash}})
		return err
	})
}

// Snapshot returns the current view of one transfer.
func (c *qbittorrentBackend) Snapshot(ctx context.Context, hash string) (TransferSnapshot, error) {
	var snap TransferSnapshot
	err := withRetry(ctx, func() error {
		torrents, err := c.listTorrents(ctx, url.Values{"hashes": {hash}})
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

// Snapshots returns all transfers the client holds.
func (c *qbittorrentBackend) Snapshots(ctx context.Context) ([]TransferSnapshot, error) {
	var snaps []TransferSnapshot
	err := withRetry(ctx, func() error {
		torrents, err := c.listTorrents(ctx, url.Values{})
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

// SetPriority adjusts queue position. qBittorrent only exposes relative
// moves, so priority 1 maps to topPrio and anything lower to bottomPrio.
func (c *qbittorrentBackend) SetPriority(ctx context.Context, hash string, priority int) error {
	endpoint := "/api/v2/torrents/bottomPrio"
	if priority <= 1 {
		endpoint = "/api/v2/torrents/topPrio"
	}
	return withRetry(ctx, func() error {
		_, err := c.postForm(ctx, endpoint, url.Values{"hashes": {hash}})
		return err
	})
}

// SetRateLimits applies global transfer rate limits in bytes per second.
// Zero means unlimited.
func (c *qbittorrentBackend) SetRateLimits(ctx context.Context, downBPS, upBPS int64) error {
	return withRetry(ctx, func() error {
		if _, err := c.postForm(ctx, "/api/v2/transfer/setDownloadLimit", url.Values{
			"limit": {strconv.FormatInt(downBPS, 10)},
		}); err != nil {
			return err
		}
		_, err := c.postForm(ctx, "/api/v2/transfer/setUploadLimit", url.Values{
			"limit": {strconv.FormatInt(upBPS, 10)},
		})
		return err
	})
}

func (c *qbittorrentBackend) listTorrents(ctx context.Context, params url.Values) ([]qbittorrentTorrent, error) {
	body, err := c.sessionCall(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/torrents/info?"+params.Encode(), nil)
	}, "torrents/info")
	if err != nil {
		return nil, err
	}

	var torrents []qbittorrentTorrent
	if err = json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("%w: decode torrents: %w", ErrTransport, err)
	}

	return torrents, nil
}

func (c *qbittorrentBackend) postForm(ctx context.Context, path string, data url.Values) ([]byte, error) {
	return c.sessionCall(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost,
			c.baseURL+path,
			strings.NewReader(data.Encode()),
		)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, path)
}

// sessionCall issues an authenticated API request. qBittorrent expires the
// SID cookie server-side, so a 403 triggers one fresh login and a single
// retry before the call fails with ErrAuth.
func (c *qbittorrentBackend) sessionCall(ctx context.Context, build func() (*http.Request, error), what string) ([]byte, error) {
	body, status, err := c.doOnce(build)
	if err != nil {
		return nil, err
	}

	if status == http.StatusForbidden {
		c.logger.Debug().Str("name", c.name).Str("call", what).Msg("session expired, logging in again")
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		body, status, err = c.doOnce(build)
		if err != nil {
			return nil, err
		}
	}

	if status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrAuth, what)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s status %d", ErrTransport, what, status)
	}

	return body, nil
}

func (c *qbittorrentBackend) doOnce(build func() (*http.Request, error)) ([]byte, int, error) {
	req, err := build()
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func (c *qbittorrentBackend) toSnapshot(t qbittorrentTorrent) TransferSnapshot {
	var addedAt time.Time
	if t.AddedOn > 0 {
		addedAt = time.Unix(t.AddedOn, 0)
	}

	return TransferSnapshot{
		Hash:         strings.ToLower(t.Hash),
		Name:         t.Name,
		Size:         t.Size,
		Downloaded:   t.Downloaded,
		Uploaded:     t.Uploaded,
		Progress:     t.Progress,
		DownloadRate: t.DLSpeed,
		UploadRate:   t.UPSpeed,
		Seeds:        t.NumSeeds,
		Peers:        t.NumLeechs,
		Priority:     t.Priority,
		Status:       c.statuses.Map(t.State),
		NativeStatus: t.State,
		SavePath:     t.SavePath,
		AddedAt:      addedAt,
	}
}

var _ Backend = (*qbittorrentBackend)(nil)

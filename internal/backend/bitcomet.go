package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// bitcometStatuses maps the task states the BitComet remote panel reports.
var bitcometStatuses = NewStatusTable(map[string]DownloadStatus{
	"downloading": StatusDownloading,
	"seeding":     StatusCompleted,
	"paused":      StatusPaused,
	"stopped":     StatusPaused,
	"queued":      StatusQueued,
	"checking":    StatusChecking,
	"allocating":  StatusAllocating,
	"error":       StatusError,
})

var bitcometEmittable = []string{
	"downloading", "seeding", "paused", "stopped",
	"queued", "checking", "allocating", "error",
}

// BitCometConfig configures a BitComet remote panel adapter.
type BitCometConfig struct {
	Name     string
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// bitcometBackend implements Backend for the BitComet HTTP remote panel.
// Every request carries HTTP Basic credentials; the panel has no session.
type bitcometBackend struct {
	name       string
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	statuses   StatusTable
	logger     zerolog.Logger
}

// bitcometTask is a task row from /panel/taskinfo and /panel/tasklist.
type bitcometTask struct {
	Hash          string  `json:"hash"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	Size          int64   `json:"size"`
	Downloaded    int64   `json:"downloaded"`
	Uploaded      int64   `json:"uploaded"`
	Progress      float64 `json:"progress"` // percent, 0 through 100
	DownloadSpeed int64   `json:"download_speed"`
	UploadSpeed   int64   `json:"upload_speed"`
	Seeds         int     `json:"seeds"`
	Peers         int     `json:"peers"`
	Priority      int     `json:"priority"`
	SavePath      string  `json:"save_path"`
	AddedOn       int64   `json:"added_on"`
}

func (c *bitcometBackend) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewBitComet creates a BitComet adapter and returns it as Backend.
func NewBitComet(cfg BitCometConfig, opts ...Option) (Backend, error) {
	if err := bitcometStatuses.Validate(bitcometEmittable); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWireTimeout
	}

	c := &bitcometBackend{
		name:     cfg.Name,
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		statuses: bitcometStatuses,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *bitcometBackend) Name() string {
	return c.name
}

func (c *bitcometBackend) Kind() string {
	return "bitcomet"
}

// Healthy verifies the panel answers with our credentials.
func (c *bitcometBackend) Healthy(ctx context.Context) error {
	var tasks []bitcometTask
	if err := c.call(ctx, "/panel/tasklist", url.Values{}, &tasks); err != nil {
		return fmt.Errorf("bitcomet panel unreachable: %w", err)
	}

	c.logger.Debug().
		Str("name", c.name).
		Str("url", c.baseURL).
		Msg("connected to bitcomet panel")

	return nil
}

// AddMagnet submits a magnet link. The panel accepts duplicate task
// submissions as no-ops, so no pre-check is needed.
func (c *bitcometBackend) AddMagnet(ctx context.Context, uri, savePath string) error {
	return withRetry(ctx, func() error {
		params := url.Values{"url": {uri}}
		if savePath != "" {
			params.Set("save_path", savePath)
		}
		return c.call(ctx, "/panel/addtask", params, nil)
	})
}

func (c *bitcometBackend) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return withRetry(ctx, func() error {
		return c.call(ctx, "/panel/removetask", url.Values{
			"hash":         {hash},
			"delete_files": {strconv.FormatBool(deleteFiles)},
		}, nil)
	})
}

func (c *bitcometBackend) Pause(ctx context.Context, hash string) error {
	return withRetry(ctx, func() error {
		return c.call(ctx, "/panel/settask", url.Values{
			"hash":   {hash},
			"action": {"pause"},
		}, nil)
	})
}

func (c *bitcometBackend) Resume(ctx context.Context, hash string) error {
	return withRetry(ctx, func() error {
		return c.call(ctx, "/panel/settask", url.Values{
			"hash":   {hash},
			"action": {"resume"},
		}, nil)
	})
}

// Snapshot returns the current view of one task.
func (c *bitcometBackend) Snapshot(ctx context.Context, hash string) (TransferSnapshot, error) {
	var snap TransferSnapshot
	err := withRetry(ctx, func() error {
		var task bitcometTask
		if err := c.call(ctx, "/panel/taskinfo", url.Values{"hash": {hash}}, &task); err != nil {
			return err
		}
		if task.Hash == "" {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		snap = c.toSnapshot(task)
		return nil
	})
	return snap, err
}

func (c *bitcometBackend) Snapshots(ctx context.Context) ([]TransferSnapshot, error) {
	var snaps []TransferSnapshot
	err := withRetry(ctx, func() error {
		var tasks []bitcometTask
		if err := c.call(ctx, "/panel/tasklist", url.Values{}, &tasks); err != nil {
			return err
		}
		snaps = make([]TransferSnapshot, len(tasks))
		for i, t := range tasks {
			snaps[i] = c.toSnapshot(t)
		}
		return nil
	})
	return snaps, err
}

func (c *bitcometBackend) SetPriority(ctx context.Context, hash string, priority int) error {
	return withRetry(ctx, func() error {
		return c.call(ctx, "/panel/settask", url.Values{
			"hash":     {hash},
			"action":   {"priority"},
			"priority": {strconv.Itoa(priority)},
		}, nil)
	})
}

func (c *bitcometBackend) SetRateLimits(ctx context.Context, downBPS, upBPS int64) error {
	return withRetry(ctx, func() error {
		return c.call(ctx, "/panel/setglobal", url.Values{
			"download_limit": {strconv.FormatInt(downBPS, 10)},
			"upload_limit":   {strconv.FormatInt(upBPS, 10)},
		}, nil)
	})
}

// call issues one panel request and decodes the JSON body into out when out
// is non-nil. The panel uses GET with query parameters for every operation.
func (c *bitcometBackend) call(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s status %d", ErrTransport, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrTransport, path, err)
	}
	return nil
}

func (c *bitcometBackend) toSnapshot(t bitcometTask) TransferSnapshot {
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
		Progress:     t.Progress / 100,
		DownloadRate: t.DownloadSpeed,
		UploadRate:   t.UploadSpeed,
		Seeds:        t.Seeds,
		Peers:        t.Peers,
		Priority:     t.Priority,
		Status:       c.statuses.Map(t.Status),
		NativeStatus: t.Status,
		SavePath:     t.SavePath,
		AddedAt:      addedAt,
	}
}

var _ Backend = (*bitcometBackend)(nil)

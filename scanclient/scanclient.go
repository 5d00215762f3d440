// Package scanclient is the Scan Client: a rate-limited queue of executable
// hashes dequeued against a pluggable VirusTotal-shaped lookup/upload
// service, updating the Record Store with each verdict. Rate limiting and
// backoff-on-transient-error use golang.org/x/time/rate.Limiter and
// cenkalti/backoff/v4, generalizing picosnitch.py's get_vt_results (a single
// blocking time.sleep-based throttle) into a standing queue a goroutine
// drains on its own cadence.
package scanclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/recordstore"
)

// Verdict is the summarized result of a lookup, independent of which
// ScanService produced it.
type Verdict struct {
	Malicious  int
	Suspicious int
	Detail     string
}

func (v Verdict) String() string {
	if v.Malicious > 0 || v.Suspicious > 0 {
		return fmt.Sprintf("malicious=%d suspicious=%d", v.Malicious, v.Suspicious)
	}
	return v.Detail
}

// ScanService is the external collaborator boundary a VirusTotal-shaped
// backend satisfies: look up a hash, optionally upload the file behind it.
type ScanService interface {
	Lookup(ctx context.Context, sha256 string) (Verdict, error)
	Upload(ctx context.Context, path string) (Verdict, error)
}

// job is one queued (exePath, hash) pair awaiting a verdict.
type job struct {
	exePath string
	sha256  string
}

// Client drains a queue of pending hashes at a configured cadence, looking
// each up via the ScanService and recording the verdict in the Record
// Store. File upload is attempted only when enabled and a lookup reports no
// existing analysis.
type Client struct {
	service     ScanService
	store       *recordstore.Store
	logger      *slog.Logger
	limiter     *rate.Limiter
	allowUpload bool

	mu    sync.Mutex
	queue []job
	seen  map[string]bool
}

// New builds a Client that permits one lookup every interval.
func New(service ScanService, store *recordstore.Store, logger *slog.Logger, interval time.Duration, allowUpload bool) *Client {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Client{
		service:     service,
		store:       store,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		allowUpload: allowUpload,
		seen:        make(map[string]bool),
	}
}

// Enqueue schedules exePath/sha256 for a lookup unless this Client has
// already enqueued the same hash. Verdicts already held in the Record Store
// are not consulted here.
func (c *Client) Enqueue(exePath, sha256 string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[sha256] {
		return
	}
	c.seen[sha256] = true
	c.queue = append(c.queue, job{exePath: exePath, sha256: sha256})
}

// SeedFromStore enqueues every hash the Record Store has no verdict for yet,
// called once at startup so a restart doesn't lose pending lookups.
func (c *Client) SeedFromStore() {
	for hash, path := range c.store.UnverifiedHashes() {
		c.Enqueue(path, hash)
	}
}

// Run drains the queue at the configured rate until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		j, ok := c.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(ctx, j)
	}
}

func (c *Client) dequeue() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return job{}, false
	}
	j := c.queue[0]
	c.queue = c.queue[1:]
	return j, true
}

func (c *Client) process(ctx context.Context, j job) {
	var verdict Verdict
	op := func() error {
		v, err := c.service.Lookup(ctx, j.sha256)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		c.logger.Warn("scan lookup failed", "error", errs.New(errs.KindScanBackoff, j.sha256, err))
		c.requeue(j)
		return
	}

	if verdict.Detail == "not_found" && c.allowUpload {
		if v, err := c.service.Upload(ctx, j.exePath); err == nil {
			verdict = v
		} else {
			c.logger.Warn("scan upload failed", "error", errs.New(errs.KindScanBackoff, j.exePath, err))
		}
	}

	c.store.SetVerdict(j.exePath, j.sha256, verdict.String())
	if verdict.Malicious > 0 || verdict.Suspicious > 0 {
		c.logger.Warn("suspicious scan result", "exe", j.exePath, "sha256", j.sha256, "verdict", verdict.String())
	}
}

func (c *Client) requeue(j job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, j)
}

// virusTotalService is the default ScanService, shaped against the
// VirusTotal v3 "files" API the way original_source/picosnitch.py's
// get_vt_results does via the vt-py client.
type virusTotalService struct {
	apiKey string
	client *http.Client
}

// NewVirusTotal builds a ScanService backed by the real VirusTotal API.
func NewVirusTotal(apiKey string) ScanService {
	return &virusTotalService{apiKey: apiKey, client: &http.Client{Timeout: 30 * time.Second}}
}

type vtAnalysisStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
}

type vtFileResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats vtAnalysisStats `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

func (s *virusTotalService) Lookup(ctx context.Context, sha256 string) (Verdict, error) {
	if s.apiKey == "" {
		return Verdict{Detail: "no api key"}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.virustotal.com/api/v3/files/"+sha256, nil)
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("x-apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Verdict{Detail: "not_found"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, errs.New(errs.KindScanBackoff, fmt.Sprintf("virustotal status %d", resp.StatusCode), nil)
	}

	var parsed vtFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Verdict{}, err
	}
	stats := parsed.Data.Attributes.LastAnalysisStats
	return Verdict{Malicious: stats.Malicious, Suspicious: stats.Suspicious, Detail: "analyzed"}, nil
}

func (s *virusTotalService) Upload(ctx context.Context, path string) (Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return Verdict{}, err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://www.virustotal.com/api/v3/files", f)
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("x-apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Verdict{}, errs.New(errs.KindScanBackoff, fmt.Sprintf("virustotal upload status %d", resp.StatusCode), nil)
	}
	return Verdict{Detail: "queued for analysis"}, nil
}

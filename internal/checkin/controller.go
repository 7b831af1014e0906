// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkin implements the single check-in loop of spec §4.F: a 60s
// metrics snapshot, a 1s proxyCheckin call, and application of whatever
// tunables the backend pushes back to the rest of the proxy.
package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// AgentConfiguration is the decoded proxyCheckin response: the subset of
// backend-pushed tunables this proxy understands (spec §4.F step 3).
type AgentConfiguration struct {
	ShutOffAgents bool   `json:"shutOffAgents"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	CurrentTime   *int64 `json:"currentTime,omitempty"`

	ItemsPerBatch        map[string]int     `json:"itemsPerBatch,omitempty"`
	RateLimit            map[string]float64 `json:"rateLimit,omitempty"`
	BlockedItemsPerBatch map[string]int     `json:"blockedItemsPerBatch,omitempty"`
	FeatureDisabled      map[string]bool    `json:"featureDisabled,omitempty"`
	SamplingRate         *float64           `json:"samplingRate,omitempty"`
}

// ConfigApplier receives a decoded configuration and applies whatever part
// of it is relevant to the component. Handlers, sender pools, and the
// trace sampler each implement a narrow view of this.
type ConfigApplier interface {
	ApplyConfiguration(cfg *AgentConfiguration)
}

// MetricsSnapshotter produces the JSON metrics document check-in sends
// every cycle.
type MetricsSnapshotter interface {
	SnapshotMetrics() (json.RawMessage, error)
}

// CheckinRequest is what gets POSTed to the backend.
type CheckinRequest struct {
	ProxyID      string          `json:"proxyId"`
	Token        string          `json:"token"`
	Hostname     string          `json:"hostname"`
	BuildVersion string          `json:"buildVersion"`
	MetricsTs    int64           `json:"metricsTs"`
	Metrics      json.RawMessage `json:"metrics"`
	Ephemeral    bool            `json:"ephemeral"`
}

// Controller runs the single check-in loop. Grounded on
// internal/ratelimiter/core.Worker's two-ticker Start/Stop shape
// (commitLoop/evictionLoop), generalized here to a metrics-snapshot
// ticker and a check-in ticker, plus cmd/tfd-proxy/main.go's plain
// net/http client usage for the outbound call itself.
type Controller struct {
	proxyID      string
	token        string
	hostname     string
	buildVersion string
	ephemeral    bool

	httpClient *http.Client
	serverURL  string
	usedAPIFix bool

	snapshotter MetricsSnapshotter
	appliers    []ConfigApplier

	metricsMu  sync.Mutex
	lastDoc    json.RawMessage
	lastDocTs  int64

	firstCheckinOK bool
	loggedBanner   map[string]bool
	bannerMu       sync.Mutex

	// clockOffset is the nanosecond delta between the backend's reported
	// currentTime and this host's wall clock at the moment it was last
	// rebased (spec §4.F step 3). Zero until the first currentTime arrives.
	clockOffset atomic.Int64

	mirror *RedisMirror

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewController(proxyID, token, hostname, buildVersion, serverURL string, ephemeral bool, snapshotter MetricsSnapshotter, appliers ...ConfigApplier) *Controller {
	return &Controller{
		proxyID:      proxyID,
		token:        token,
		hostname:     hostname,
		buildVersion: buildVersion,
		ephemeral:    ephemeral,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		serverURL:    strings.TrimRight(serverURL, "/"),
		snapshotter:  snapshotter,
		appliers:     appliers,
		loggedBanner: map[string]bool{},
		stopCh:       make(chan struct{}),
	}
}

// SetRedisMirror wires an optional Redis fan-out: every successfully
// applied configuration is idempotently mirrored for the rest of the fleet,
// and Start fetches back whatever generation is already mirrored before
// this proxy's own first check-in completes.
func (c *Controller) SetRedisMirror(m *RedisMirror) { c.mirror = m }

func (c *Controller) Start() {
	if c.mirror != nil {
		c.fetchMirroredOnBoot()
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.metricsLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.checkinLoop()
	}()
}

func (c *Controller) fetchMirroredOnBoot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg, err := c.mirror.Fetch(ctx)
	if err != nil {
		log.Printf("checkin: redis fetch-on-boot failed: %v", err)
		return
	}
	if cfg != nil {
		c.apply(cfg)
	}
}

// Stop shuts the check-in executor down immediately (spec §7
// "Cancellation": "Check-in shuts its executor immediately" — unlike the
// sender pool, there is no drain-with-deadline step here).
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) metricsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.snapshotNow()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) snapshotNow() {
	if c.snapshotter == nil {
		return
	}
	doc, err := c.snapshotter.SnapshotMetrics()
	if err != nil {
		log.Printf("checkin: metrics snapshot failed: %v", err)
		return
	}
	c.metricsMu.Lock()
	c.lastDoc = doc
	c.lastDocTs = time.Now().UnixMilli()
	c.metricsMu.Unlock()
}

func (c *Controller) checkinLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runOnce()
		case <-c.stopCh:
			return
		}
	}
}

// runOnce performs one proxyCheckin call and applies its response (spec
// §4.F steps 2-6).
func (c *Controller) runOnce() {
	c.metricsMu.Lock()
	doc, ts := c.lastDoc, c.lastDocTs
	c.metricsMu.Unlock()
	if doc == nil {
		doc = json.RawMessage("{}")
	}

	req := CheckinRequest{
		ProxyID:      c.proxyID,
		Token:        c.token,
		Hostname:     c.hostname,
		BuildVersion: c.buildVersion,
		MetricsTs:    ts,
		Metrics:      doc,
		Ephemeral:    c.ephemeral,
	}

	cfg, status, err := c.doCheckin(req)
	if err != nil {
		// Spec §4.F step 6: an unknown-host/connect/timeout error never
		// marks the first successful check-in and simply retries on the
		// next tick. Step 3's in-progress metrics document is left
		// untouched (doc was not cleared above) so the next attempt
		// resends it.
		c.logBannerOnce("transport", fmt.Sprintf("checkin: request failed: %v", err))
		return
	}
	if status != http.StatusOK {
		c.handleHTTPError(status)
		return
	}

	c.firstCheckinOK = true
	c.apply(cfg)
}

func (c *Controller) doCheckin(req CheckinRequest) (*AgentConfiguration, int, error) {
	status, body, err := c.post("/checkin", req)
	if err != nil {
		return nil, 0, err
	}
	if (status == http.StatusNotFound || status == http.StatusMethodNotAllowed) && !c.firstCheckinOK && !c.usedAPIFix && !strings.Contains(c.serverURL, "/api") {
		// Step 4: first-run 404/405 against a server URL lacking "/api"
		// retries once with "/api/" appended.
		c.usedAPIFix = true
		c.serverURL = c.serverURL + "/api"
		status, body, err = c.post("/checkin", req)
		if err != nil {
			return nil, 0, err
		}
		if (status == http.StatusNotFound || status == http.StatusMethodNotAllowed) && !c.firstCheckinOK {
			// Exit code 5 is fixed (not backend-supplied) and distinguishes
			// this first-check-in-never-succeeded startup failure from the
			// shutOffAgents exit-1 path in terminate.
			log.Printf("checkin: first-ever check-in failed with status %d after /api retry; aborting startup", status)
			os.Exit(5)
		}
	}
	if status != http.StatusOK {
		return nil, status, nil
	}
	var cfg AgentConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, status, fmt.Errorf("checkin: decode response: %w", err)
	}
	return &cfg, status, nil
}

func (c *Controller) post(path string, req CheckinRequest) (int, []byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, nil, fmt.Errorf("checkin: marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("checkin: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		respBody = append(respBody, buf[:n]...)
		if rerr != nil {
			break
		}
	}
	return resp.StatusCode, respBody, nil
}

// handleHTTPError classifies the status (spec §4.F step 4) and logs a
// banner once per class rather than once per attempt.
func (c *Controller) handleHTTPError(status int) {
	switch status {
	case http.StatusUnauthorized:
		c.logBannerOnce("401", "checkin: unauthorized — check the proxy token")
	case http.StatusForbidden:
		c.logBannerOnce("403", "checkin: forbidden — token lacks proxy check-in scope")
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		c.logBannerOnce("404_405", fmt.Sprintf("checkin: server URL %s returned %d", c.serverURL, status))
	case 407:
		c.logBannerOnce("407", "checkin: proxy authentication required")
	default:
		c.logBannerOnce("other", fmt.Sprintf("checkin: unexpected status %d", status))
	}
}

func (c *Controller) logBannerOnce(class, message string) {
	c.bannerMu.Lock()
	defer c.bannerMu.Unlock()
	if c.loggedBanner[class] {
		return
	}
	c.loggedBanner[class] = true
	log.Println(message)
}

// apply interprets the response (spec §4.F step 3) and fans it out to
// every registered ConfigApplier.
func (c *Controller) apply(cfg *AgentConfiguration) {
	if cfg == nil {
		return
	}
	if cfg.CurrentTime != nil {
		c.rebaseClock(*cfg.CurrentTime)
	}
	if cfg.ShutOffAgents {
		c.terminate(cfg)
		return
	}
	if c.mirror != nil {
		c.mirrorConfig(cfg)
	}
	for _, a := range c.appliers {
		a.ApplyConfiguration(cfg)
	}
}

// mirrorConfig publishes cfg to Redis for the rest of the fleet, keyed by a
// hash of its own content so distinct configurations each get their own
// idempotent SETNX marker (spec-extension "one configuration generation").
func (c *Controller) mirrorConfig(cfg *AgentConfiguration) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	generation := int64(xxhash.Sum64(doc))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.mirror.Mirror(ctx, generation, cfg); err != nil {
		log.Printf("checkin: redis mirror failed: %v", err)
	}
}

// rebaseClock records the offset between the backend's reported currentTime
// and this host's wall clock (spec §4.F step 3: "currentTime present ->
// rebase the proxy's logical clock").
func (c *Controller) rebaseClock(currentTimeMs int64) {
	offset := time.UnixMilli(currentTimeMs).Sub(time.Now())
	c.clockOffset.Store(int64(offset))
}

// Now returns the local wall clock corrected by the most recent currentTime
// rebase; absent any correction yet, it is exactly time.Now().
func (c *Controller) Now() time.Time {
	return time.Now().Add(time.Duration(c.clockOffset.Load()))
}

// terminate implements shutOffAgents. A negative exit code from the backend
// is logged as received and the process exits with its absolute value,
// since a process exit status cannot be negative; absent a code it exits 1.
func (c *Controller) terminate(cfg *AgentConfiguration) {
	code := 1
	if cfg.ExitCode != nil {
		code = *cfg.ExitCode
	}
	if code < 0 {
		log.Printf("checkin: shutOffAgents requested exit code %d; exiting with os.Exit(%d)", code, -code)
		os.Exit(-code)
	}
	log.Printf("checkin: shutOffAgents requested; exiting with code %d", code)
	os.Exit(code)
}

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

package sender

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"ingestproxy/pkg/wf"
)

// Spool is the shared disk-backed queue a sender task falls back to. The
// concrete implementation lives in internal/spool; sender only depends on
// this narrow interface to keep the two packages decoupled. AddNoSync
// exists for the handler's hot-path synchronous drop (spec §5: "without
// fsync on the hot path"); Add is used for the batch-boundary spool writes
// a task makes after a failed submission.
type Spool[E any] interface {
	Add(task *wf.SubmissionTask[[]E, E]) error
	AddNoSync(task *wf.SubmissionTask[[]E, E]) error
}

// TaskConfig holds the tunables spec §4.D lists. Check-in retunes only
// ItemsPerBatch (see entityTuning in cmd/proxy); the other fields keep
// their startup values.
type TaskConfig struct {
	ItemsPerBatch            int
	PushFlushInterval        time.Duration
	MinBatchSplitSize        int
	MaxBatchSplitSize        int
	SplitPushWhenRateLimited bool
	RetryBackoffBaseSeconds  float64
	MaxBackoff               time.Duration
}

// TaskMetrics is the per-task counter set the pool aggregates for check-in
// reporting.
type TaskMetrics struct {
	mu        sync.Mutex
	delivered int64
	failed    int64
	spooled   int64
	latencies []time.Duration // kept simple: trimmed to the last 256 in recordDelivered
}

func (m *TaskMetrics) recordDelivered(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered++
	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > 256 {
		m.latencies = m.latencies[len(m.latencies)-256:]
	}
}

func (m *TaskMetrics) recordFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *TaskMetrics) recordSpooled() {
	m.mu.Lock()
	m.spooled++
	m.mu.Unlock()
}

// Snapshot reports delivered/failed/spooled counts.
func (m *TaskMetrics) Snapshot() (delivered, failed, spooled int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.failed, m.spooled
}

// Task is one worker of a Pool: a bounded in-memory buffer, a rate
// limiter, a submitter, and a reference to the shared disk spool. Grounded
// on plugin/tfd's SService: a buffered ingress, a periodic-flush ticker,
// and an external Flush() request channel, generalized from a single
// fixed-interval accumulator flush to the full pushback/backoff/dead-letter
// state machine of spec §4.D.
type Task[E any] struct {
	handle    string
	entity    wf.EntityType
	config    *TaskConfig
	limiter   *TaskLimiter
	submitter Submitter[E]
	spool     Spool[E]
	metrics   *TaskMetrics

	mu     sync.Mutex
	buffer []E

	flushNowCh chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopped    bool
}

func NewTask[E any](handle string, entity wf.EntityType, config *TaskConfig, limiter *TaskLimiter, submitter Submitter[E], spool Spool[E]) *Task[E] {
	return &Task[E]{
		handle:     handle,
		entity:     entity,
		config:     config,
		limiter:    limiter,
		submitter:  submitter,
		spool:      spool,
		metrics:    &TaskMetrics{},
		flushNowCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Offer appends item to the in-memory buffer. Returns false when the
// buffer has already reached itemsPerBatch*2 (a soft memory ceiling): the
// handler treats a false return as a signal that this task is backed up
// and the item needs a synchronous spool write instead (spec §4.A/§4.D
// interaction via memoryBufferLimit/drainBuffersToQueue).
func (t *Task[E]) Offer(item E) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := t.config.ItemsPerBatch * 2
	if limit > 0 && len(t.buffer) >= limit {
		return false
	}
	t.buffer = append(t.buffer, item)
	return true
}

// SetRateLimit retunes this task's token bucket, used by the check-in
// controller when the backend pushes a new rateLimit tunable for this
// task's handle.
func (t *Task[E]) SetRateLimit(rateLimit, maxBurstSeconds float64) {
	t.limiter.SetLimit(rateLimit, maxBurstSeconds)
}

// RelativeScore proxies for queue depth: the pool's round-robin-with-
// skip-worst selection (spec §4.A) compares this across tasks.
func (t *Task[E]) RelativeScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.config.ItemsPerBatch <= 0 {
		return float64(len(t.buffer))
	}
	return float64(len(t.buffer)) / float64(t.config.ItemsPerBatch)
}

// DrainToSpool moves every buffered item to the disk spool tagged with
// reason (spec §4.D "drainBuffersToQueue"). Its only caller is
// Pool.DrainBuffersToQueue; the handler does not track a memoryBufferLimit
// and never triggers a drain.
func (t *Task[E]) DrainToSpool(reason wf.QueueingReason) {
	t.mu.Lock()
	pending := t.buffer
	t.buffer = nil
	t.mu.Unlock()
	for len(pending) > 0 {
		n := t.config.ItemsPerBatch
		if n <= 0 || n > len(pending) {
			n = len(pending)
		}
		chunk := append([]E{}, pending[:n]...)
		pending = pending[n:]
		task := wf.NewSubmissionTask[[]E, E](chunk, t.entity, t.handle)
		if err := t.spool.Add(task); err != nil {
			log.Printf("sender: drain-to-spool failed for %s (%s): %v", t.handle, reason, err)
			continue
		}
		t.metrics.recordSpooled()
	}
}

func (t *Task[E]) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run()
	}()
}

func (t *Task[E]) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	close(t.stopCh)
	t.wg.Wait()
}

// Flush requests an immediate out-of-band flush, best-effort and
// non-blocking (same semantics as plugin/tfd/sservice.go's Flush()).
func (t *Task[E]) Flush() {
	select {
	case t.flushNowCh <- struct{}{}:
	default:
	}
}

func (t *Task[E]) run() {
	ticker := time.NewTicker(t.config.PushFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flushOnce()
		case <-t.flushNowCh:
			t.flushOnce()
		case <-t.stopCh:
			t.flushOnce() // final flush of whatever remains buffered
			return
		}
	}
}

// flushOnce runs one pass of the spec §4.D flush algorithm.
func (t *Task[E]) flushOnce() {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	n := t.config.ItemsPerBatch
	if n <= 0 || n > len(t.buffer) {
		n = len(t.buffer)
	}
	payload := append([]E{}, t.buffer[:n]...)
	t.buffer = t.buffer[n:]
	t.mu.Unlock()

	task := wf.NewSubmissionTask[[]E, E](payload, t.entity, t.handle)
	t.submitTask(task)
}

// submitTask implements flush algorithm steps 2-7, recursing on repeated
// 406 pushback (spec §4.D: "split is recursive on repeated 406").
func (t *Task[E]) submitTask(task *wf.SubmissionTask[[]E, E]) {
	weight := task.Weight()
	if weight == 0 {
		return
	}
	if !t.limiter.AllowN(weight) {
		// Step 2: insufficient tokens within the flush window; leave the
		// task buffered rather than blocking the flush loop.
		t.mu.Lock()
		t.buffer = append(task.Payload, t.buffer...)
		t.mu.Unlock()
		return
	}

	start := time.Now()
	status, err := t.submit(context.Background(), task)
	switch Classify(status, err) {
	case DispositionSuccess:
		t.metrics.recordDelivered(time.Since(start))

	case DispositionPushback406:
		t.handlePushback(task)

	case DispositionRetryable:
		t.spoolWithBackoff(task, err)

	case DispositionPermanentClient:
		t.metrics.recordFailed()
		log.Printf("sender: dropping task for %s after permanent client error (status=%d): %v", t.handle, status, err)
	}
}

func (t *Task[E]) submit(ctx context.Context, task *wf.SubmissionTask[[]E, E]) (int, error) {
	if t.submitter == nil {
		return 0, errNoSubmitter
	}
	return t.submitter.Submit(ctx, t.handle, task.Payload)
}

// handlePushback splits task in half and resubmits both halves as
// independent tasks when splitPushWhenRateLimited is set and the task is
// large enough to split (spec §4.D step 5), recursing on repeated 406s;
// otherwise the whole task goes to the spool.
func (t *Task[E]) handlePushback(task *wf.SubmissionTask[[]E, E]) {
	if t.config.SplitPushWhenRateLimited && task.Weight() >= t.config.MinBatchSplitSize*2 {
		first, second, ok := task.SplitTask(t.config.MinBatchSplitSize, t.config.MaxBatchSplitSize)
		if ok {
			t.submitTask(first)
			t.submitTask(second)
			return
		}
	}
	if err := t.spool.Add(task); err != nil {
		log.Printf("sender: spool write failed for %s after 406: %v", t.handle, err)
		return
	}
	t.metrics.recordSpooled()
}

// spoolWithBackoff writes task to disk after a retryable failure. It
// returns nothing and does not wait: it only records the attempt and
// spools. The spec §4.D step 6 backoff (retryBackoffBaseSeconds^attempts
// seconds, capped at MaxBackoff, plus up to 10% jitter) is computed by
// BackoffFor and applied by the spool's Replayer before it retries.
func (t *Task[E]) spoolWithBackoff(task *wf.SubmissionTask[[]E, E], cause error) {
	task.Attempts++
	if err := t.spool.Add(task); err != nil {
		log.Printf("sender: spool write failed for %s after retryable error %v: %v", t.handle, cause, err)
		return
	}
	t.metrics.recordSpooled()
}

// BackoffFor computes the spec §4.D step 6 backoff for attempt n.
func BackoffFor(cfg *TaskConfig, attempt int) time.Duration {
	base := cfg.RetryBackoffBaseSeconds
	if base <= 0 {
		base = 2
	}
	seconds := 1.0
	for i := 0; i < attempt; i++ {
		seconds *= base
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = 60 * time.Second
	}
	d := time.Duration(seconds * float64(time.Second))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Float64() * 0.10 * float64(d))
	return d + jitter
}

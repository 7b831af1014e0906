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
	"sync"
	"testing"
	"time"

	"ingestproxy/pkg/wf"
)

type submitterMock struct {
	mu        sync.Mutex
	status    int
	err       error
	statusFor func(items []int) int
	batches   [][]int
}

func (s *submitterMock) Submit(ctx context.Context, handle string, items []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]int{}, items...))
	if s.statusFor != nil {
		return s.statusFor(items), s.err
	}
	return s.status, s.err
}

func (s *submitterMock) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type spoolMock struct {
	mu    sync.Mutex
	added []*wf.SubmissionTask[[]int, int]
}

func (s *spoolMock) Add(task *wf.SubmissionTask[[]int, int]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, task)
	return nil
}

func (s *spoolMock) AddNoSync(task *wf.SubmissionTask[[]int, int]) error {
	return s.Add(task)
}

func (s *spoolMock) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added)
}

func newTestTask(cfg *TaskConfig, sub Submitter[int], sp Spool[int]) *Task[int] {
	limiter := NewTaskLimiter(1000, 10)
	return NewTask[int]("test-handle", wf.EntityPoint, cfg, limiter, sub, sp)
}

func TestTask_OfferRespectsSoftCeiling(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 2}
	task := newTestTask(cfg, &submitterMock{status: 200}, &spoolMock{})
	for i := 0; i < 4; i++ {
		if !task.Offer(i) {
			t.Fatalf("expected item %d to be accepted within the 2x ceiling", i)
		}
	}
	if task.Offer(99) {
		t.Fatalf("expected the buffer to reject once it reaches itemsPerBatch*2")
	}
}

func TestTask_RelativeScoreTracksFillRatio(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 4}
	task := newTestTask(cfg, &submitterMock{status: 200}, &spoolMock{})
	task.Offer(1)
	task.Offer(2)
	if got := task.RelativeScore(); got != 0.5 {
		t.Fatalf("got RelativeScore=%v, want 0.5", got)
	}
}

func TestTask_DrainToSpoolChunksByItemsPerBatch(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 2}
	sp := &spoolMock{}
	task := newTestTask(cfg, &submitterMock{status: 200}, sp)
	for i := 0; i < 5; i++ {
		task.Offer(i)
	}
	task.DrainToSpool(wf.ReasonBufferSize)
	if sp.count() != 3 { // 2 + 2 + 1
		t.Fatalf("got %d spooled chunks, want 3", sp.count())
	}
	if task.RelativeScore() != 0 {
		t.Fatalf("expected buffer to be empty after drain")
	}
}

func TestTask_FlushOnceSubmitsASingleBatchAndRecordsDelivery(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 10, PushFlushInterval: time.Hour}
	sub := &submitterMock{status: 200}
	task := newTestTask(cfg, sub, &spoolMock{})
	task.Offer(1)
	task.Offer(2)
	task.Offer(3)

	task.flushOnce()

	if sub.callCount() != 1 {
		t.Fatalf("expected exactly one submit call, got %d", sub.callCount())
	}
	delivered, failed, spooled := task.metrics.Snapshot()
	if delivered != 1 || failed != 0 || spooled != 0 {
		t.Fatalf("got delivered=%d failed=%d spooled=%d, want 1/0/0", delivered, failed, spooled)
	}
}

func TestTask_FlushOnceIsANoOpOnEmptyBuffer(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 10, PushFlushInterval: time.Hour}
	sub := &submitterMock{status: 200}
	task := newTestTask(cfg, sub, &spoolMock{})
	task.flushOnce()
	if sub.callCount() != 0 {
		t.Fatalf("expected no submit call for an empty buffer")
	}
}

func TestTask_SubmitTaskSpoolsOnRetryableFailure(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 10, PushFlushInterval: time.Hour}
	sub := &submitterMock{status: 503}
	sp := &spoolMock{}
	task := newTestTask(cfg, sub, sp)
	task.Offer(1)

	task.flushOnce()

	if sp.count() != 1 {
		t.Fatalf("expected the failed batch to be spooled, got %d entries", sp.count())
	}
	if sp.added[0].Attempts != 1 {
		t.Fatalf("expected the spooled task's Attempts to be incremented, got %d", sp.added[0].Attempts)
	}
}

func TestTask_SubmitTaskDropsOnPermanentClientError(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 10, PushFlushInterval: time.Hour}
	sub := &submitterMock{status: 400}
	sp := &spoolMock{}
	task := newTestTask(cfg, sub, sp)
	task.Offer(1)

	task.flushOnce()

	if sp.count() != 0 {
		t.Fatalf("expected no spool write for a permanent client error, got %d", sp.count())
	}
	_, failed, _ := task.metrics.Snapshot()
	if failed != 1 {
		t.Fatalf("expected the failed counter to be incremented, got %d", failed)
	}
}

// TestTask_HandlePushbackSplitsWhenConfigured reproduces spec scenario 2:
// a 40000-item batch draws a 406, splits into two 20000-item halves, and
// both halves succeed independently rather than being merged back into a
// single 40000-item batch that would just draw the same 406 again.
func TestTask_HandlePushbackSplitsWhenConfigured(t *testing.T) {
	cfg := &TaskConfig{
		ItemsPerBatch:            40000,
		PushFlushInterval:        time.Hour,
		SplitPushWhenRateLimited: true,
		MinBatchSplitSize:        10000,
		MaxBatchSplitSize:        40000,
	}
	sub := &submitterMock{statusFor: func(items []int) int {
		if len(items) > 20000 {
			return 406
		}
		return 202
	}}
	sp := &spoolMock{}
	task := newTestTask(cfg, sub, sp)
	for i := 0; i < 40000; i++ {
		task.Offer(i)
	}

	task.flushOnce()

	if sub.callCount() != 3 {
		t.Fatalf("got %d submit calls, want 3 (one 406 + two successful halves)", sub.callCount())
	}
	if len(sub.batches[1]) != 20000 || len(sub.batches[2]) != 20000 {
		t.Fatalf("got split batch sizes %d/%d, want 20000/20000", len(sub.batches[1]), len(sub.batches[2]))
	}
	delivered, failed, spooled := task.metrics.Snapshot()
	if delivered != 2 || failed != 0 || spooled != 0 {
		t.Fatalf("got delivered=%d failed=%d spooled=%d, want 2/0/0", delivered, failed, spooled)
	}
	if task.RelativeScore() != 0 {
		t.Fatalf("expected nothing left requeued in the buffer once both halves succeed")
	}
}

// TestTask_HandlePushbackRecursesUntilLeafThenSpools covers the case where
// every leaf batch keeps drawing a 406: splitting must recurse down to
// minBatchSplitSize and then spool each leaf independently, never merging
// leaves back into one oversized batch.
func TestTask_HandlePushbackRecursesUntilLeafThenSpools(t *testing.T) {
	cfg := &TaskConfig{
		ItemsPerBatch:            10,
		PushFlushInterval:        time.Hour,
		SplitPushWhenRateLimited: true,
		MinBatchSplitSize:        1,
		MaxBatchSplitSize:        100,
	}
	sub := &submitterMock{status: 406}
	sp := &spoolMock{}
	task := newTestTask(cfg, sub, sp)
	for i := 0; i < 4; i++ {
		task.Offer(i)
	}

	task.flushOnce()

	if sp.count() != 4 {
		t.Fatalf("got %d spooled leaf tasks, want 4 (split down to minBatchSplitSize=1)", sp.count())
	}
	total := 0
	for _, leaf := range sp.added {
		if len(leaf.Payload) != 1 {
			t.Fatalf("got a spooled leaf of size %d, want every leaf to be exactly minBatchSplitSize=1", len(leaf.Payload))
		}
		total += len(leaf.Payload)
	}
	if total != 4 {
		t.Fatalf("got %d total spooled items, want 4", total)
	}
	if task.RelativeScore() != 0 {
		t.Fatalf("expected nothing requeued into the buffer; all items should have been spooled as leaves")
	}
}

func TestTask_HandlePushbackSpoolsWhenSplitDisabled(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 10, PushFlushInterval: time.Hour, SplitPushWhenRateLimited: false}
	sub := &submitterMock{status: 406}
	sp := &spoolMock{}
	task := newTestTask(cfg, sub, sp)
	task.Offer(1)

	task.flushOnce()

	if sp.count() != 1 {
		t.Fatalf("expected the whole task to be spooled, got %d", sp.count())
	}
}

func TestTask_StopFlushesWhateverRemainsBuffered(t *testing.T) {
	cfg := &TaskConfig{ItemsPerBatch: 10, PushFlushInterval: time.Hour}
	sub := &submitterMock{status: 200}
	task := newTestTask(cfg, sub, &spoolMock{})
	task.Offer(1)

	task.Start()
	task.Stop()

	if sub.callCount() != 1 {
		t.Fatalf("expected Stop's final flush to submit the remaining item, got %d calls", sub.callCount())
	}
}

func TestBackoffFor_GrowsExponentiallyAndCapsAtMax(t *testing.T) {
	cfg := &TaskConfig{RetryBackoffBaseSeconds: 2, MaxBackoff: 5 * time.Second}
	d0 := BackoffFor(cfg, 0)
	if d0 < time.Second || d0 > time.Duration(1.10*float64(time.Second)) {
		t.Fatalf("got attempt-0 backoff %v, want ~1s with up to 10%% jitter", d0)
	}
	d10 := BackoffFor(cfg, 10)
	if d10 > cfg.MaxBackoff+time.Duration(0.10*float64(cfg.MaxBackoff)) {
		t.Fatalf("got attempt-10 backoff %v, want capped near MaxBackoff=%v", d10, cfg.MaxBackoff)
	}
}

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

package spool

import (
	"context"
	"sync"
	"testing"
	"time"

	"ingestproxy/internal/sender"
	"ingestproxy/pkg/wf"
)

type replaySubmitterMock struct {
	mu      sync.Mutex
	status  int
	err     error
	batches [][]int
}

func (s *replaySubmitterMock) Submit(ctx context.Context, handle string, items []int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]int{}, items...))
	return s.status, s.err
}

func (s *replaySubmitterMock) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestReplayer_DrainOnceResubmitsAndRemovesOnSuccess(t *testing.T) {
	q := openTestQueue(t, 5, time.Hour)
	q.Add(wf.NewSubmissionTask[[]int, int]([]int{1, 2}, wf.EntityPoint, "2878"))

	sub := &replaySubmitterMock{status: 200}
	cfg := &sender.TaskConfig{RetryBackoffBaseSeconds: 2, MaxBackoff: time.Second}
	r := NewReplayer[[]int, int](q, sub, sender.NewTaskLimiter(1000, 10), cfg)

	if !r.drainOnce() {
		t.Fatalf("expected drainOnce to find a task")
	}
	if sub.callCount() != 1 {
		t.Fatalf("got %d submit calls, want 1", sub.callCount())
	}
	if q.Size() != 0 {
		t.Fatalf("expected the task to be removed after a successful resubmit, got Size()=%d", q.Size())
	}
}

func TestReplayer_DrainOnceOnEmptyQueueReturnsFalse(t *testing.T) {
	q := openTestQueue(t, 5, time.Hour)
	sub := &replaySubmitterMock{status: 200}
	cfg := &sender.TaskConfig{RetryBackoffBaseSeconds: 2, MaxBackoff: time.Second}
	r := NewReplayer[[]int, int](q, sub, sender.NewTaskLimiter(1000, 10), cfg)
	if r.drainOnce() {
		t.Fatalf("expected drainOnce to report false on an empty queue")
	}
}

func TestReplayer_DrainOnceRequeuesOnRetryableFailure(t *testing.T) {
	q := openTestQueue(t, 5, time.Hour)
	q.Add(wf.NewSubmissionTask[[]int, int]([]int{1}, wf.EntityPoint, "2878"))

	sub := &replaySubmitterMock{status: 503}
	cfg := &sender.TaskConfig{RetryBackoffBaseSeconds: 2, MaxBackoff: time.Millisecond}
	r := NewReplayer[[]int, int](q, sub, sender.NewTaskLimiter(1000, 10), cfg)

	r.drainOnce()
	if q.Size() != 1 {
		t.Fatalf("expected the task to still be present (requeued at the tail), got Size()=%d", q.Size())
	}
	got, ok, err := q.Peek()
	if err != nil || !ok {
		t.Fatalf("Peek after requeue: ok=%v err=%v", ok, err)
	}
	if got.Attempts != 1 {
		t.Fatalf("got Attempts=%d, want 1 after one retryable failure", got.Attempts)
	}
}

func TestReplayer_DrainOnceDropsOnPermanentClientError(t *testing.T) {
	q := openTestQueue(t, 5, time.Hour)
	q.Add(wf.NewSubmissionTask[[]int, int]([]int{1}, wf.EntityPoint, "2878"))

	sub := &replaySubmitterMock{status: 400}
	cfg := &sender.TaskConfig{RetryBackoffBaseSeconds: 2, MaxBackoff: time.Second}
	r := NewReplayer[[]int, int](q, sub, sender.NewTaskLimiter(1000, 10), cfg)

	r.drainOnce()
	if q.Size() != 0 {
		t.Fatalf("expected a permanent client error to drop the task, got Size()=%d", q.Size())
	}
}

func TestReplayer_StartStopDrainsQueuedTaskInBackground(t *testing.T) {
	q := openTestQueue(t, 5, time.Hour)
	q.Add(wf.NewSubmissionTask[[]int, int]([]int{1}, wf.EntityPoint, "2878"))

	sub := &replaySubmitterMock{status: 200}
	cfg := &sender.TaskConfig{RetryBackoffBaseSeconds: 2, MaxBackoff: time.Second}
	r := NewReplayer[[]int, int](q, sub, sender.NewTaskLimiter(1000, 10), cfg)

	r.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && q.Size() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	if q.Size() != 0 {
		t.Fatalf("expected the background loop to drain the queue, got Size()=%d", q.Size())
	}
}

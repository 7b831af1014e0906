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
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ingestproxy/internal/sender"
	"ingestproxy/pkg/wf"
)

// Replayer continuously drains a TaskQueue back toward the backend: "head
// is re-attempted first on restart" (spec §4.E) and "on restart, exactly
// that task is retried first and delivered exactly once" (spec §8 scenario
// 6). Grounded on internal/sinks.ReadAllSLog's replay-on-restart read path,
// generalized here from a one-shot batch read at process start into a
// continuous background drain loop that runs for the life of the process.
type Replayer[T wf.Splittable[E], E any] struct {
	queue     *TaskQueue[T, E]
	submitter sender.Submitter[E]
	limiter   *sender.TaskLimiter
	config    *sender.TaskConfig
	pollIdle  time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewReplayer[T wf.Splittable[E], E any](queue *TaskQueue[T, E], submitter sender.Submitter[E], limiter *sender.TaskLimiter, config *sender.TaskConfig) *Replayer[T, E] {
	return &Replayer[T, E]{
		queue:     queue,
		submitter: submitter,
		limiter:   limiter,
		config:    config,
		pollIdle:  time.Second,
		stopCh:    make(chan struct{}),
	}
}

func (r *Replayer[T, E]) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Replayer[T, E]) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *Replayer[T, E]) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		if !r.drainOnce() {
			select {
			case <-time.After(r.pollIdle):
			case <-r.stopCh:
				return
			}
		}
	}
}

// drainOnce attempts the task currently at the head of the queue. It
// returns true if a task was found (whatever the outcome), false if the
// queue was empty, so the caller knows whether to poll-sleep.
func (r *Replayer[T, E]) drainOnce() bool {
	task, ok, err := r.queue.Peek()
	if err != nil {
		log.Printf("spool: replay peek failed: %v", err)
		return false
	}
	if !ok {
		return false
	}

	if task.Attempts > 0 {
		backoff := sender.BackoffFor(r.config, task.Attempts)
		select {
		case <-time.After(backoff):
		case <-r.stopCh:
			return true
		}
	}

	weight := len(task.Payload)
	if weight > 0 && r.limiter != nil {
		for !r.limiter.AllowN(weight) {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-r.stopCh:
				return true
			}
		}
	}

	status, submitErr := r.submitter.Submit(context.Background(), task.Handle, task.Payload)
	switch sender.Classify(status, submitErr) {
	case sender.DispositionSuccess:
		if rerr := r.queue.Remove(); rerr != nil {
			log.Printf("spool: replay remove failed after successful resubmit: %v", rerr)
		}

	case sender.DispositionPermanentClient:
		log.Printf("spool: dropping replayed task for %s after permanent client error (status=%d): %v", task.Handle, status, submitErr)
		if rerr := r.queue.Remove(); rerr != nil {
			log.Printf("spool: replay remove failed after permanent error: %v", rerr)
		}

	default:
		// Retryable or pushback: bump attempts and requeue. The log is
		// append-only, so there is no in-place rewrite of the head record;
		// removing and re-adding physically moves this task to the tail.
		// In the common restart case the spool holds exactly one task, so
		// this still satisfies "retried first"; under sustained backend
		// failure with multiple spooled tasks, strict head-of-line order
		// is not preserved across retries.
		task.Attempts++
		if rerr := r.queue.Remove(); rerr != nil {
			log.Printf("spool: replay remove failed before requeue: %v", rerr)
			return true
		}
		if aerr := r.queue.Add(task); aerr != nil {
			log.Printf("spool: replay requeue failed: %v", aerr)
		}
	}
	return true
}

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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"ingestproxy/pkg/wf"
)

// Stats is the spec §4.E stats() result: on-disk bytes and oldest-task age.
type Stats struct {
	OnDiskBytes   int64
	OldestTaskAge time.Duration
}

// TaskQueue is the disk-backed queue of spec §4.E, one per HandlerKey. T is
// the batch payload type (e.g. []wf.Point), E its element type.
type TaskQueue[T wf.Splittable[E], E any] struct {
	key  wf.HandlerKey
	log  *logFile
	head *headCursor

	maxAttempts int
	maxQueueAge time.Duration

	mu          sync.Mutex
	readOffset  int64 // next unconsumed byte offset
	pendingSize  int64 // encoded size of the record currently peeked but not yet removed
	queued       atomic.Int64
	deadLettered atomic.Int64
	corrupted    atomic.Int64
}

// Open opens (or creates) the queue log and head cursor under dir, named
// after key (see DirFor in shard.go for how dir is chosen).
func Open[T wf.Splittable[E], E any](dir string, key wf.HandlerKey, maxAttempts int, maxQueueAge time.Duration) (*TaskQueue[T, E], error) {
	logPath := filepath.Join(dir, "queue.log")
	headPath := filepath.Join(dir, "queue.head")

	lf, err := openLogFile(logPath)
	if err != nil {
		return nil, err
	}
	hc, err := openHeadCursor(headPath)
	if err != nil {
		_ = lf.close()
		return nil, err
	}
	q := &TaskQueue[T, E]{
		key:         key,
		log:         lf,
		head:        hc,
		maxAttempts: maxAttempts,
		maxQueueAge: maxQueueAge,
	}
	offset, err := hc.load()
	if err != nil {
		return nil, err
	}
	q.readOffset = offset
	if err := q.recount(); err != nil {
		return nil, err
	}
	return q, nil
}

// recount scans forward from readOffset to end-of-log to establish the
// exact queued count spec §4.E's size() requires, skipping corrupt
// records the same way a live peek would.
func (q *TaskQueue[T, E]) recount() error {
	offset := q.readOffset
	var count int64
	for {
		_, size, err := q.log.readAt(offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrCorruptRecord) {
			q.corrupted.Add(1)
			offset += size
			if size == 0 {
				break
			}
			continue
		}
		if err != nil {
			return err
		}
		count++
		offset += size
	}
	q.queued.Store(count)
	return nil
}

func discriminatorFor(entity wf.EntityType) byte { return byte(entity) }

// Add appends task to the log and fsyncs before returning (spec §4.E
// "add(task) — O(1) enqueue, fsync on batch boundary"; the explicit Sync
// call here favors durability over raw throughput since a task entering
// the spool has already failed once).
func (q *TaskQueue[T, E]) Add(task *wf.SubmissionTask[T, E]) error {
	return q.appendTask(task, true)
}

// AddNoSync appends task to the log without fsyncing. It exists for the
// handler's hot path, where a buffer-full item is dropped straight to disk
// synchronously but without fsync (spec §5); the record becomes durable
// once the log's next Add (or an explicit sync) flushes the page cache.
func (q *TaskQueue[T, E]) AddNoSync(task *wf.SubmissionTask[T, E]) error {
	return q.appendTask(task, false)
}

func (q *TaskQueue[T, E]) appendTask(task *wf.SubmissionTask[T, E], fsync bool) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("spool: marshal payload: %w", err)
	}
	env := recordEnvelope{
		Discriminator:    discriminatorFor(task.EntityType),
		Handle:           task.Handle,
		FirstAttemptUnix: task.FirstAttempt.UnixNano(),
		Attempts:         task.Attempts,
		Payload:          payload,
	}
	if _, _, err := q.log.append(env); err != nil {
		return err
	}
	if fsync {
		if err := q.log.sync(); err != nil {
			return err
		}
	}
	q.queued.Add(1)
	return nil
}

// Peek returns the head task without removing it, applying dead-letter
// disposal along the way: a task that has exceeded maxAttempts or
// maxQueueAge is dropped and counted rather than ever being handed back
// (spec §4.E: "after both maxAttempts and maxQueueAgeMs, the task is
// dead-lettered").
func (q *TaskQueue[T, E]) Peek() (*wf.SubmissionTask[T, E], bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		env, size, err := q.log.readAt(q.readOffset)
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		if errors.Is(err, ErrCorruptRecord) {
			q.corrupted.Add(1)
			if size == 0 {
				return nil, false, nil
			}
			q.advanceLocked(size)
			continue
		}
		if err != nil {
			return nil, false, err
		}

		task, err := q.decode(env)
		if err != nil {
			q.corrupted.Add(1)
			q.advanceLocked(size)
			q.queued.Add(-1)
			continue
		}

		age := time.Since(task.FirstAttempt)
		if q.maxAttempts > 0 && task.Attempts >= q.maxAttempts && q.maxQueueAge > 0 && age >= q.maxQueueAge {
			q.deadLettered.Add(1)
			q.advanceLocked(size)
			q.queued.Add(-1)
			continue
		}

		q.pendingSize = size
		return task, true, nil
	}
}

// Remove pops the task previously returned by Peek.
func (q *TaskQueue[T, E]) Remove() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingSize == 0 {
		return errors.New("spool: Remove called without a pending Peek")
	}
	q.advanceLocked(q.pendingSize)
	q.queued.Add(-1)
	return nil
}

// advanceLocked moves readOffset forward by size and persists the cursor.
// Caller must hold q.mu.
func (q *TaskQueue[T, E]) advanceLocked(size int64) {
	q.readOffset += size
	q.pendingSize = 0
	_ = q.head.store(q.readOffset)
}

func (q *TaskQueue[T, E]) decode(env recordEnvelope) (*wf.SubmissionTask[T, E], error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, err
	}
	return &wf.SubmissionTask[T, E]{
		Payload:      payload,
		EntityType:   q.key.EntityType,
		Handle:       env.Handle,
		FirstAttempt: time.Unix(0, env.FirstAttemptUnix),
		Attempts:     env.Attempts,
	}, nil
}

// Size is the exact count of queued tasks (spec §4.E "size()").
func (q *TaskQueue[T, E]) Size() int64 { return q.queued.Load() }

// DeadLettered is the running count of tasks dropped for exceeding
// maxAttempts and maxQueueAgeMs.
func (q *TaskQueue[T, E]) DeadLettered() int64 { return q.deadLettered.Load() }

// Corrupted is the running count of records skipped for failing to decode.
func (q *TaskQueue[T, E]) Corrupted() int64 { return q.corrupted.Load() }

// Stats reports on-disk size and oldest-task age (spec §4.E "stats()").
func (q *TaskQueue[T, E]) Stats() (Stats, error) {
	size, err := q.log.size()
	if err != nil {
		return Stats{}, err
	}
	var oldest time.Duration
	if task, ok, err := q.Peek(); err == nil && ok {
		oldest = task.Age()
	}
	return Stats{OnDiskBytes: size, OldestTaskAge: oldest}, nil
}

// Clear drops every queued task, emitting a loss counter equal to the
// number of tasks discarded (spec §4.E "clear() — drop all, emit a loss
// counter").
func (q *TaskQueue[T, E]) Clear() (lost int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lost = q.queued.Load()
	if err := q.log.truncate(); err != nil {
		return 0, err
	}
	q.readOffset = 0
	q.pendingSize = 0
	if err := q.head.store(0); err != nil {
		return 0, err
	}
	q.queued.Store(0)
	return lost, nil
}

func (q *TaskQueue[T, E]) Close() error {
	return q.log.close()
}

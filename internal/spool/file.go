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

// Package spool implements the disk-backed task queue of spec §4.E: an
// append-only log of serialized SubmissionTask records per HandlerKey,
// with a sidecar cursor file tracking the retry head across restarts.
// Grounded on internal/sinks/sbatch_file_sink.go's buffered append-only
// writer and ReadAllSLog replay reader, generalized from JSONL framing to
// explicit length-prefixed records so a corrupt record can be skipped
// without losing sync with the rest of the log.
package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrCorruptRecord is returned by readAt when a record's length
// prefix or JSON body cannot be parsed; the caller skips it and counts a
// loss rather than aborting the scan (spec §4.E: "the corrupt task is
// skipped and counted").
var ErrCorruptRecord = errors.New("spool: corrupt record")

// recordEnvelope is the on-disk schema for one queued task. Discriminator
// lets future entity types be added without migrating older files (spec
// §4.E); Payload is the JSON-encoded SubmissionTask.Payload slice.
type recordEnvelope struct {
	Discriminator    byte
	Handle           string
	FirstAttemptUnix int64
	Attempts         int
	Payload          json.RawMessage
}

const maxRecordSize = 64 << 20 // 64MiB safety ceiling against a torn length prefix

// logFile wraps the append-only queue log: buffered sequential writes with
// fsync on explicit request (batch boundaries, per spec §4.E "add(task) —
// O(1) enqueue, fsync on batch boundary"), and random-access reads for
// peek/replay.
type logFile struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer

	writesSinceSync int
}

func openLogFile(path string) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open log %s: %w", path, err)
	}
	return &logFile{f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

// append writes env and returns its byte offset and encoded length.
func (lf *logFile) append(env recordEnvelope) (offset int64, size int64, err error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, 0, fmt.Errorf("spool: marshal record: %w", err)
	}

	lf.mu.Lock()
	defer lf.mu.Unlock()

	pos, err := lf.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("spool: seek end: %w", err)
	}
	// Account for buffered-but-unflushed bytes not yet reflected by Seek.
	pos += int64(lf.w.Buffered())

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := lf.w.Write(lenPrefix[:]); err != nil {
		return 0, 0, fmt.Errorf("spool: write length prefix: %w", err)
	}
	if _, err := lf.w.Write(body); err != nil {
		return 0, 0, fmt.Errorf("spool: write record body: %w", err)
	}

	lf.writesSinceSync++
	if lf.writesSinceSync >= 32 {
		if err := lf.syncLocked(); err != nil {
			return 0, 0, err
		}
	}
	return pos, int64(4 + len(body)), nil
}

func (lf *logFile) sync() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.syncLocked()
}

func (lf *logFile) syncLocked() error {
	if err := lf.w.Flush(); err != nil {
		return fmt.Errorf("spool: flush: %w", err)
	}
	lf.writesSinceSync = 0
	return lf.f.Sync()
}

// readAt reads one record starting at offset, returning the envelope, the
// total encoded size of the record (for cursor advancement), and
// ErrCorruptRecord if the record cannot be decoded — in which case size is
// still the best-effort length so the caller can attempt to resync on the
// next record boundary when possible, or io.EOF when offset is at or past
// the end of the log.
func (lf *logFile) readAt(offset int64) (recordEnvelope, int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.syncLocked(); err != nil {
		return recordEnvelope{}, 0, err
	}

	var lenPrefix [4]byte
	n, err := lf.f.ReadAt(lenPrefix[:], offset)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return recordEnvelope{}, 0, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return recordEnvelope{}, 0, ErrCorruptRecord
		}
		return recordEnvelope{}, 0, fmt.Errorf("spool: read length prefix: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(lenPrefix[:])
	if bodyLen == 0 || bodyLen > maxRecordSize {
		return recordEnvelope{}, 4, ErrCorruptRecord
	}
	body := make([]byte, bodyLen)
	if _, err := lf.f.ReadAt(body, offset+4); err != nil {
		return recordEnvelope{}, 4 + int64(bodyLen), ErrCorruptRecord
	}
	var env recordEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return recordEnvelope{}, 4 + int64(bodyLen), ErrCorruptRecord
	}
	return env, 4 + int64(bodyLen), nil
}

// size returns the current on-disk length of the log.
func (lf *logFile) size() (int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.syncLocked(); err != nil {
		return 0, err
	}
	info, err := lf.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (lf *logFile) truncate() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.f.Truncate(0); err != nil {
		return err
	}
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	lf.w.Reset(lf.f)
	lf.writesSinceSync = 0
	return nil
}

func (lf *logFile) close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	_ = lf.w.Flush()
	return lf.f.Close()
}

// headCursor persists the byte offset of the next unconsumed record so the
// retry head survives a restart (spec §4.E: "head is re-attempted first on
// restart").
type headCursor struct {
	mu   sync.Mutex
	path string
}

func openHeadCursor(path string) (*headCursor, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
			return nil, fmt.Errorf("spool: init head cursor %s: %w", path, err)
		}
	}
	return &headCursor{path: path}, nil
}

func (h *headCursor) load() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var offset int64
	if _, err := fmt.Sscanf(string(b), "%d", &offset); err != nil {
		return 0, nil // corrupt cursor: restart from the beginning of the log
	}
	return offset, nil
}

func (h *headCursor) store(offset int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d", offset)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}

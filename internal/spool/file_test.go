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
	"io"
	"path/filepath"
	"testing"
)

func TestLogFile_AppendAndReadAtRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	lf, err := openLogFile(path)
	if err != nil {
		t.Fatalf("openLogFile: %v", err)
	}
	defer lf.close()

	env := recordEnvelope{Handle: "2878", Attempts: 1, Payload: json.RawMessage(`[1,2,3]`)}
	offset, size, err := lf.append(env)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if offset != 0 {
		t.Fatalf("got offset=%d, want 0 for the first record", offset)
	}

	got, gotSize, err := lf.readAt(0)
	if err != nil {
		t.Fatalf("readAt: %v", err)
	}
	if gotSize != size {
		t.Fatalf("got size=%d, want %d", gotSize, size)
	}
	if got.Handle != "2878" || got.Attempts != 1 {
		t.Fatalf("got %+v, want Handle=2878 Attempts=1", got)
	}
}

func TestLogFile_ReadAtEndOfLogReturnsEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	lf, err := openLogFile(path)
	if err != nil {
		t.Fatalf("openLogFile: %v", err)
	}
	defer lf.close()

	_, _, err = lf.readAt(0)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF for an empty log", err)
	}
}

func TestLogFile_ReadAtDetectsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	lf, err := openLogFile(path)
	if err != nil {
		t.Fatalf("openLogFile: %v", err)
	}
	defer lf.close()

	env := recordEnvelope{Handle: "2878", Payload: json.RawMessage(`[1]`)}
	lf.append(env)
	lf.append(env)

	// Truncate mid-second-record to simulate a torn write.
	_, size, _ := lf.readAt(0)
	lf.f.Truncate(size + 2)

	_, _, err = lf.readAt(size)
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("got %v, want ErrCorruptRecord for a truncated record", err)
	}
}

func TestLogFile_TruncateResetsToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	lf, err := openLogFile(path)
	if err != nil {
		t.Fatalf("openLogFile: %v", err)
	}
	defer lf.close()

	lf.append(recordEnvelope{Handle: "2878", Payload: json.RawMessage(`[1]`)})
	if err := lf.truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	size, err := lf.size()
	if err != nil || size != 0 {
		t.Fatalf("got size=%d err=%v after truncate, want 0/nil", size, err)
	}
}

func TestHeadCursor_StoreAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.head")
	hc, err := openHeadCursor(path)
	if err != nil {
		t.Fatalf("openHeadCursor: %v", err)
	}
	if err := hc.store(42); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := hc.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestHeadCursor_LoadOnFreshFileIsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.head")
	hc, err := openHeadCursor(path)
	if err != nil {
		t.Fatalf("openHeadCursor: %v", err)
	}
	got, err := hc.load()
	if err != nil || got != 0 {
		t.Fatalf("got %d err=%v, want 0/nil for a fresh cursor", got, err)
	}
}

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

package handler

import (
	"fmt"
	"log"

	"ingestproxy/pkg/wf"
)

// ValidationError is the taxonomy's ValidationError kind (spec §7): a drop
// plus a blocked-items log line, never an exception that could escape the
// handler goroutine.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Sink is what a Handler hands accepted items to: a sender-task pool (see
// internal/sender.Pool) or an accumulator emitting back through the same
// API (spec §4.C: "bypassing re-validation"). Offer must never block; if it
// cannot accept, the handler treats the item as needing a synchronous spool
// write, matching spec §5 ("handler drops to the spool synchronously").
type Sink[T any] interface {
	Offer(item T) bool
}

// Spooler is the optional capability a Sink may additionally implement: a
// synchronous, no-fsync disk write for the item Offer just declined (spec
// §5: "drops to the spool synchronously but without fsync on the hot
// path"). internal/sender.Pool implements this; handler only depends on
// the interface to keep the two packages decoupled.
type Spooler[T any] interface {
	SpoolOne(item T) bool
}

// BlockedLogger receives every rejected/blocked item at full rate for
// durable audit, independent of the rate-limited human log line.
type BlockedLogger interface {
	LogBlocked(key wf.HandlerKey, item any, reason string)
}

// Handler validates and routes items of one entity kind for one HandlerKey.
// Per design note §9, behavior is supplied by composition (a Validate
// function and a Sink) rather than by subclassing a template method.
type Handler[T any] struct {
	Key      wf.HandlerKey
	Validate func(T) error
	Sink     Sink[T]
	Blocked  BlockedLogger
	Metrics  *Metrics

	logLimiter *logRateLimiter

	// TimestampOf extracts the item's logical timestamp (millis) for the
	// received-lag histogram; nil is allowed for entity types without one
	// (e.g. source-tag operations).
	TimestampOf func(T) int64

	// featureDisabled is read by Report to implement the "block" path for
	// backend-suppressed entity types (spec §4.A "block").
	featureDisabled func() bool
}

// NewHandler constructs a handler. blockedItemsPerBatch feeds the
// token-bucket limiter on the main log (rate = blockedItemsPerBatch/10 per
// second, per spec §4.A).
func NewHandler[T any](key wf.HandlerKey, validate func(T) error, sink Sink[T], blocked BlockedLogger, metrics *Metrics, blockedItemsPerBatch int) *Handler[T] {
	return &Handler[T]{
		Key:        key,
		Validate:   validate,
		Sink:       sink,
		Blocked:    blocked,
		Metrics:    metrics,
		logLimiter: newLogRateLimiter(blockedItemsPerBatch),
	}
}

// SetFeatureDisabled wires the check-in-controlled feature flag consulted by
// Report before admitting an item (spec §4.D "isFeatureDisabled").
func (h *Handler[T]) SetFeatureDisabled(f func() bool) { h.featureDisabled = f }

// Report validates and admits item. On validation failure it rejects; on an
// explicit backend feature-disable it blocks; on an unexpected panic inside
// Validate/Sink it logs WF-500 and drops rather than letting the failure
// escape to the caller's I/O goroutine (spec §7 InternalUnexpected).
func (h *Handler[T]) Report(item T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WF-500: handler %s panicked on report: %v", h.Key, r)
		}
	}()

	if h.TimestampOf != nil {
		h.Metrics.RecordReceived(h.TimestampOf(item))
	} else {
		h.Metrics.RecordReceived(0)
	}

	if h.featureDisabled != nil && h.featureDisabled() {
		h.Block(item, "feature disabled")
		return
	}

	if h.Validate != nil {
		if err := h.Validate(item); err != nil {
			h.Reject(item, err.Error())
			return
		}
	}

	h.Metrics.RecordSent()
	if h.Sink != nil && h.Sink.Offer(item) {
		return
	}
	// Buffer full or no sink wired: fall back to a synchronous, no-fsync
	// spool write (spec §5) when the sink supports it.
	if sp, ok := h.Sink.(Spooler[T]); ok && sp.SpoolOne(item) {
		return
	}
	h.Reject(item, "sink unavailable")
}

// Reject marks item as rejected: counted, logged to the blocked-items log
// at full rate, and to the main log at a token-bucket-limited rate.
func (h *Handler[T]) Reject(item T, reason string) {
	h.Metrics.RecordBlocked()
	h.Metrics.RecordRejected()
	h.logBlocked(item, reason)
}

// Block marks item as blocked only (no rejected increment): used when the
// backend has explicitly suppressed delivery for this entity type.
func (h *Handler[T]) Block(item T, reason string) {
	h.Metrics.RecordBlocked()
	h.logBlocked(item, reason)
}

func (h *Handler[T]) logBlocked(item T, reason string) {
	if h.Blocked != nil {
		h.Blocked.LogBlocked(h.Key, item, reason)
	}
	if h.logLimiter.Allow() {
		log.Printf("[%s] blocked item: %s (%v)", h.Key, reason, item)
	}
}

// Shutdown is a no-op placeholder satisfying the {report,block,reject,
// shutdown} interface from design note §9; concrete entity handlers may
// override via embedding when they own extra resources.
func (h *Handler[T]) Shutdown() {}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

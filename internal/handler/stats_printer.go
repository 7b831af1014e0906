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
	"sync"
	"sync/atomic"
	"time"

	"ingestproxy/pkg/wf"
)

// StatsPrinter runs the two scheduled printers spec §4.A calls for: a
// human-readable line every 10s and a totals line every 60s. Two named
// goroutines sharing one stop channel, following internal/ratelimiter/core.Worker's
// Start/Stop shape (commitLoop/evictionLoop as independent tickers joined
// on shutdown).
type StatsPrinter struct {
	key     wf.HandlerKey
	metrics *Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped uint32
}

func NewStatsPrinter(key wf.HandlerKey, metrics *Metrics) *StatsPrinter {
	return &StatsPrinter{key: key, metrics: metrics, stopCh: make(chan struct{})}
}

func (p *StatsPrinter) Start() {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.loop(10*time.Second, p.printLine)
	}()
	go func() {
		defer p.wg.Done()
		p.loop(60*time.Second, p.printTotals)
	}()
}

func (p *StatsPrinter) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}

func (p *StatsPrinter) loop(interval time.Duration, emit func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			emit()
		case <-p.stopCh:
			return
		}
	}
}

func (p *StatsPrinter) printLine() {
	s := p.metrics.Snapshot()
	fmt.Printf("[%s] received=%d sent=%d delivered=%d blocked=%d rejected=%d rate(1m/5m/15m)=%.2f/%.2f/%.2f\n",
		p.key, s.Received, s.Sent, s.Delivered, s.Blocked, s.Rejected, s.BurstRate1m, s.BurstRate5m, s.BurstRate15m)
}

func (p *StatsPrinter) printTotals() {
	s := p.metrics.Snapshot()
	fmt.Printf("[%s] totals: received=%d delivered=%d blocked=%d rejected=%d\n",
		p.key, s.Received, s.Delivered, s.Blocked, s.Rejected)
}

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
	"log"
	"sync/atomic"
	"time"

	"ingestproxy/pkg/wf"
)

// Pool is the per-HandlerKey collection of N sender tasks (spec §4.D: "a
// pool of N sender tasks"). It is the Sink[E] a handler.Handler is wired
// to; handler.Handler sees only its Offer method and, through
// handler.Spooler, its SpoolOne method.
type Pool[E any] struct {
	Key   wf.HandlerKey
	tasks []*Task[E]
	next  atomic.Uint64
}

func NewPool[E any](key wf.HandlerKey, tasks []*Task[E]) *Pool[E] {
	return &Pool[E]{Key: key, tasks: tasks}
}

func (p *Pool[E]) Start() {
	for _, t := range p.tasks {
		t.Start()
	}
}

// Stop implements the pool-level shutdown of spec §7 ("Cancellation"):
// drain every task's buffer straight to the spool tagged PROXY_SHUTDOWN
// rather than attempting one more HTTP call, then stop every task,
// bounding the wait on in-flight submissions to a 5s deadline.
func (p *Pool[E]) Stop() {
	p.DrainBuffersToQueue(wf.ReasonProxyShutdown)
	done := make(chan struct{})
	go func() {
		for _, t := range p.tasks {
			t.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// Shutdown satisfies handler.Entity so a Pool can sit directly in the
// handler registry alongside the Handler it backs.
func (p *Pool[E]) Shutdown() { p.Stop() }

// Offer implements the handler.Sink interface: round-robin selection
// biased away from the currently-worst task (spec §4.A "Sender
// selection"), generalized from plugin/tfd/vactors.go's VRouter.Route (a
// simple per-key routing table) into a round-robin index over a fixed set
// of sender tasks with one skip-ahead step.
func (p *Pool[E]) Offer(item E) bool {
	if len(p.tasks) == 0 {
		return false
	}
	t := p.pick()
	return t.Offer(item)
}

// SpoolOne writes item directly to disk without fsync, on behalf of a
// handler whose Offer call just declined because every task's buffer is
// already full (spec §5: "drops to the spool synchronously but without
// fsync on the hot path"). It satisfies handler.Spooler so
// handler.Handler.Report can reach it without handler depending on sender.
func (p *Pool[E]) SpoolOne(item E) bool {
	if len(p.tasks) == 0 {
		return false
	}
	t := p.tasks[p.next.Add(1)%uint64(len(p.tasks))]
	task := wf.NewSubmissionTask[[]E, E]([]E{item}, t.entity, t.handle)
	if err := t.spool.AddNoSync(task); err != nil {
		log.Printf("sender: synchronous spool write failed for %s: %v", t.handle, err)
		return false
	}
	t.metrics.recordSpooled()
	return true
}

func (p *Pool[E]) pick() *Task[E] {
	n := uint64(len(p.tasks))
	i := p.next.Add(1) % n
	candidate := p.tasks[i]
	if p.isWorst(i) {
		i = (i + 1) % n
		candidate = p.tasks[i]
	}
	return candidate
}

// isWorst reports whether task i has the highest RelativeScore among all
// tasks in the pool (spec §4.A: "highest taskRelativeScore").
func (p *Pool[E]) isWorst(i uint64) bool {
	score := p.tasks[i].RelativeScore()
	for j, t := range p.tasks {
		if uint64(j) == i {
			continue
		}
		if t.RelativeScore() > score {
			return false
		}
	}
	return true
}

// DrainBuffersToQueue spools every item currently buffered across all
// tasks in the pool, tagged with reason (spec §4.D
// "drainBuffersToQueue"). Stop calls it at shutdown; nothing calls it on
// a memory-limit breach, since the handler does not track one.
func (p *Pool[E]) DrainBuffersToQueue(reason wf.QueueingReason) {
	for _, t := range p.tasks {
		t.DrainToSpool(reason)
	}
}

// SetRateLimit retunes every task in the pool, used by the check-in
// controller when the backend pushes a new rateLimit tunable for this
// pool's handle.
func (p *Pool[E]) SetRateLimit(rateLimit, maxBurstSeconds float64) {
	for _, t := range p.tasks {
		t.SetRateLimit(rateLimit, maxBurstSeconds)
	}
}

// Metrics aggregates delivered/failed/spooled counts across all tasks in
// the pool. The check-in metrics snapshot does not include these counts.
func (p *Pool[E]) Metrics() (delivered, failed, spooled int64) {
	for _, t := range p.tasks {
		d, f, s := t.metrics.Snapshot()
		delivered += d
		failed += f
		spooled += s
	}
	return
}

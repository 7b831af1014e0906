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

// Command proxy wires every package in this module into one ingestion
// process: per-entity handlers, sender-task pools, disk spools and their
// replayers, the delta/histogram accumulators, the span sampling/RED/
// heartbeat fan-in, and the check-in controller. Flag shape and HTTP
// wiring follow cmd/tfd-proxy/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"ingestproxy/internal/accumulator"
	"ingestproxy/internal/checkin"
	"ingestproxy/internal/handler"
	"ingestproxy/internal/preprocessor"
	"ingestproxy/internal/sender"
	"ingestproxy/internal/spool"
	"ingestproxy/internal/trace"
	"ingestproxy/pkg/wf"
)

func main() {
	addr := flag.String("http", ":8888", "HTTP listen address for report endpoints, /metrics and /healthz")
	backendURL := flag.String("backend_url", "http://localhost:8080/api", "backend base URL submissions are POSTed to")
	checkinURL := flag.String("checkin_url", "", "check-in server base URL (defaults to backend_url)")
	proxyID := flag.String("proxy_id", "", "proxy identifier reported at check-in")
	token := flag.String("token", "", "proxy auth token")
	hostname := flag.String("hostname", "", "hostname reported at check-in (defaults to os.Hostname())")
	buildVersion := flag.String("build_version", "dev", "build version string reported at check-in")
	ephemeral := flag.Bool("ephemeral", false, "mark this proxy instance as ephemeral at check-in")

	spoolVolumes := flag.String("spool_volumes", "./spool", "comma-separated spool root volumes")
	spoolMaxAttempts := flag.Int("spool_max_attempts", 12, "spool dead-letter attempt ceiling")
	spoolMaxQueueAge := flag.Duration("spool_max_queue_age", 24*time.Hour, "spool dead-letter age ceiling")
	blockedItemsLog := flag.String("blocked_items_log", "blocked_items.log", "full-rate blocked-items audit log path")

	sendersPerPool := flag.Int("senders_per_pool", 2, "sender tasks per HandlerKey pool")
	itemsPerBatch := flag.Int("items_per_batch", 10000, "items assembled per submission batch")
	pushFlushInterval := flag.Duration("push_flush_interval", time.Second, "sender task flush cadence")
	minBatchSplitSize := flag.Int("min_batch_split_size", 10, "smallest batch half a 406 split will produce")
	maxBatchSplitSize := flag.Int("max_batch_split_size", 5000, "largest batch half a 406 split will produce")
	splitPushWhenRateLimited := flag.Bool("split_push_when_rate_limited", true, "split batches on HTTP 406 instead of spooling whole")
	retryBackoffBase := flag.Float64("retry_backoff_base_seconds", 2.0, "exponential backoff base for retryable failures")
	maxBackoff := flag.Duration("max_backoff", 60*time.Second, "backoff ceiling")
	rateLimit := flag.Float64("rate_limit", 500000, "submission rate limit in items/second, per sender task")
	rateLimitBurstSeconds := flag.Float64("rate_limit_burst_seconds", 2.0, "token bucket burst window in seconds")
	blockedItemsPerBatch := flag.Int("blocked_items_per_batch", 100, "feeds the handler's blocked-item log rate limiter")

	deltaAggInterval := flag.Duration("delta_aggregation_interval", 60*time.Second, "delta counter accumulator flush cadence")
	histFlushInterval := flag.Duration("histogram_flush_interval", 60*time.Second, "histogram accumulator flush cadence")
	histGranularity := flag.String("histogram_granularity", "minute", "histogram accumulator granularity: minute|hour|day")

	samplingRate := flag.Float64("sampling_rate", 1.0, "span sampler probability in [0,1]")
	alwaysSampleErrors := flag.Bool("always_sample_errors", true, "always forward spans tagged error=true regardless of sampling")
	redIdleTTL := flag.Duration("red_idle_ttl", 15*time.Minute, "how long an unseen RED/heartbeat key is retained")

	pointsHandle := flag.String("points_handle", "2878", "HandlerKey handle for plain points")
	deltaHandle := flag.String("delta_handle", "2878-delta", "HandlerKey handle for delta counters")
	histogramHandle := flag.String("histogram_handle", "40000", "HandlerKey handle for histograms")
	spanHandle := flag.String("span_handle", "30000", "HandlerKey handle for spans")
	spanLogsHandle := flag.String("span_logs_handle", "30001", "HandlerKey handle for span logs")
	sourceTagHandle := flag.String("source_tag_handle", "2878-sourcetags", "HandlerKey handle for source-tag operations")

	redisAddr := flag.String("redis_addr", "", "optional Redis address mirroring check-in configuration across a fleet")
	proxyGroup := flag.String("proxy_group", "default", "fleet group name used as the Redis mirror key")

	flag.Parse()

	if *hostname == "" {
		if h, err := os.Hostname(); err == nil {
			*hostname = h
		}
	}
	if *checkinURL == "" {
		*checkinURL = *backendURL
	}

	var granularity wf.Granularity
	switch strings.ToLower(*histGranularity) {
	case "hour":
		granularity = wf.GranularityHour
	case "day":
		granularity = wf.GranularityDay
	default:
		granularity = wf.GranularityMinute
	}

	volumes := strings.Split(*spoolVolumes, ",")
	for i := range volumes {
		volumes[i] = strings.TrimSpace(volumes[i])
	}
	sharder := spool.NewSharder(volumes)

	blocked, err := newFileBlockedLogger(*blockedItemsLog)
	if err != nil {
		log.Fatalf("proxy: open blocked-items log: %v", err)
	}

	registry := handler.NewRegistry()
	flags := newFeatureFlagStore()
	var lifecycles []lifecycle
	var tuners []*entityTuning

	newTaskConfig := func() *sender.TaskConfig {
		return &sender.TaskConfig{
			ItemsPerBatch:            *itemsPerBatch,
			PushFlushInterval:        *pushFlushInterval,
			MinBatchSplitSize:        *minBatchSplitSize,
			MaxBatchSplitSize:        *maxBatchSplitSize,
			SplitPushWhenRateLimited: *splitPushWhenRateLimited,
			RetryBackoffBaseSeconds:  *retryBackoffBase,
			MaxBackoff:               *maxBackoff,
		}
	}

	pointSubmitter := sender.NewHTTPSubmitter[*wf.Point](*backendURL, 10*time.Second)
	spanSubmitter := sender.NewHTTPSubmitter[*wf.Span](*backendURL, 10*time.Second)
	spanLogsSubmitter := sender.NewHTTPSubmitter[*wf.SpanLogs](*backendURL, 10*time.Second)
	sourceTagSubmitter := sender.NewHTTPSubmitter[*wf.SourceTagOperation](*backendURL, 10*time.Second)

	// Plain points: validated, then handed straight to the pool.
	pointsKey := wf.HandlerKey{EntityType: wf.EntityPoint, Handle: *pointsHandle}
	pointsCfg := newTaskConfig()
	pointsPool, _, pointsReplayer, err := buildPool[*wf.Point](sharder, pointsKey, pointsCfg, pointSubmitter,
		*rateLimit, *rateLimitBurstSeconds, *sendersPerPool, *spoolMaxAttempts, *spoolMaxQueueAge)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}
	pointsChain := preprocessor.NewChain[*wf.Point](preprocessor.PointExpander)
	pointsMetrics := handler.NewMetrics(pointsKey.EntityType.String(), pointsKey.Handle)
	pointsHandlerH := handler.NewHandler[*wf.Point](pointsKey, validatePoint(false), pointsPool, blocked, pointsMetrics, *blockedItemsPerBatch)
	pointsHandlerH.TimestampOf = func(p *wf.Point) int64 { return p.Timestamp }
	pointsHandlerH.SetFeatureDisabled(func() bool { return flags.Get(pointsKey.Handle) })
	pointsStats := handler.NewStatsPrinter(pointsKey, pointsMetrics)
	registry.Register(pointsKey, pointsHandlerH)
	lifecycles = append(lifecycles, pointsPool, pointsReplayer, pointsStats)
	tuners = append(tuners, &entityTuning{handle: pointsKey.Handle, config: pointsCfg, pool: pointsPool, handlerStats: pointsMetrics})

	// Delta counters: validated, accumulated, and only the accumulator's
	// periodic emission ever reaches the pool (spec §4.C bypass).
	deltaKey := wf.HandlerKey{EntityType: wf.EntityDeltaCounter, Handle: *deltaHandle}
	deltaCfg := newTaskConfig()
	deltaPool, _, deltaReplayer, err := buildPool[*wf.Point](sharder, deltaKey, deltaCfg, pointSubmitter,
		*rateLimit, *rateLimitBurstSeconds, *sendersPerPool, *spoolMaxAttempts, *spoolMaxQueueAge)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}
	deltaAcc := accumulator.NewDeltaAccumulator(*deltaAggInterval, &deltaToPointSink{pool: deltaPool})
	deltaChain := preprocessor.NewChain[*wf.Point](preprocessor.PointExpander)
	deltaMetrics := handler.NewMetrics(deltaKey.EntityType.String(), deltaKey.Handle)
	deltaHandlerH := handler.NewHandler[*wf.Point](deltaKey, validatePoint(true), &pointToDeltaSink{acc: deltaAcc}, blocked, deltaMetrics, *blockedItemsPerBatch)
	deltaHandlerH.TimestampOf = func(p *wf.Point) int64 { return p.Timestamp }
	deltaHandlerH.SetFeatureDisabled(func() bool { return flags.Get(deltaKey.Handle) })
	deltaStats := handler.NewStatsPrinter(deltaKey, deltaMetrics)
	registry.Register(deltaKey, deltaHandlerH)
	lifecycles = append(lifecycles, deltaPool, deltaReplayer, deltaStats, deltaAcc)
	tuners = append(tuners, &entityTuning{handle: deltaKey.Handle, config: deltaCfg, pool: deltaPool, handlerStats: deltaMetrics})

	// Histograms: same bypass shape as delta counters, merged into a
	// per-key digest at the configured granularity instead of summed.
	histKey := wf.HandlerKey{EntityType: wf.EntityHistogram, Handle: *histogramHandle}
	histCfg := newTaskConfig()
	histPool, _, histReplayer, err := buildPool[*wf.Point](sharder, histKey, histCfg, pointSubmitter,
		*rateLimit, *rateLimitBurstSeconds, *sendersPerPool, *spoolMaxAttempts, *spoolMaxQueueAge)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}
	histAcc := accumulator.NewHistogramAccumulator(granularity, *histFlushInterval, &histToPointSink{pool: histPool})
	histMetrics := handler.NewMetrics(histKey.EntityType.String(), histKey.Handle)
	histHandlerH := handler.NewHandler[*wf.Point](histKey, validatePoint(false), &pointToHistogramSink{acc: histAcc}, blocked, histMetrics, *blockedItemsPerBatch)
	histHandlerH.TimestampOf = func(p *wf.Point) int64 { return p.Timestamp }
	histHandlerH.SetFeatureDisabled(func() bool { return flags.Get(histKey.Handle) })
	histStats := handler.NewStatsPrinter(histKey, histMetrics)
	registry.Register(histKey, histHandlerH)
	lifecycles = append(lifecycles, histPool, histReplayer, histStats, histAcc)
	tuners = append(tuners, &entityTuning{handle: histKey.Handle, config: histCfg, pool: histPool, handlerStats: histMetrics})

	// Spans: preprocessed, then passed to the fan-in, which feeds RED metrics
	// and heartbeats for every span and reports only sampled spans to this
	// handler; the handler validates them and hands them to the pool.
	spanKey := wf.HandlerKey{EntityType: wf.EntitySpan, Handle: *spanHandle}
	spanCfg := newTaskConfig()
	spanPool, _, spanReplayer, err := buildPool[*wf.Span](sharder, spanKey, spanCfg, spanSubmitter,
		*rateLimit, *rateLimitBurstSeconds, *sendersPerPool, *spoolMaxAttempts, *spoolMaxQueueAge)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}
	spanChain := preprocessor.NewChain[*wf.Span](preprocessor.SpanExpander)
	spanMetrics := handler.NewMetrics(spanKey.EntityType.String(), spanKey.Handle)
	spanHandlerH := handler.NewHandler[*wf.Span](spanKey, validateSpan, spanPool, blocked, spanMetrics, *blockedItemsPerBatch)
	spanHandlerH.TimestampOf = func(s *wf.Span) int64 { return s.StartMs }
	spanHandlerH.SetFeatureDisabled(func() bool { return flags.Get(spanKey.Handle) })
	spanStats := handler.NewStatsPrinter(spanKey, spanMetrics)
	registry.Register(spanKey, spanHandlerH)
	lifecycles = append(lifecycles, spanPool, spanReplayer, spanStats)
	tuners = append(tuners, &entityTuning{handle: spanKey.Handle, config: spanCfg, pool: spanPool, handlerStats: spanMetrics})

	sampler := trace.NewSampler(*samplingRate, *alwaysSampleErrors)
	redReporter := trace.NewREDReporter(*redIdleTTL)
	heartbeats := trace.NewHeartbeatRegistry(pointsPool, *redIdleTTL)
	fanIn := trace.NewFanIn(sampler, redReporter, heartbeats, spanHandlerH)
	lifecycles = append(lifecycles, fanIn)

	// Span logs: validated and handed straight to their own pool; spec §4.G
	// has nothing further to say about them once preprocessing is out of
	// scope, so they skip the sampling fan-in entirely.
	spanLogsKey := wf.HandlerKey{EntityType: wf.EntitySpanLogs, Handle: *spanLogsHandle}
	spanLogsCfg := newTaskConfig()
	spanLogsPool, _, spanLogsReplayer, err := buildPool[*wf.SpanLogs](sharder, spanLogsKey, spanLogsCfg, spanLogsSubmitter,
		*rateLimit, *rateLimitBurstSeconds, *sendersPerPool, *spoolMaxAttempts, *spoolMaxQueueAge)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}
	spanLogsMetrics := handler.NewMetrics(spanLogsKey.EntityType.String(), spanLogsKey.Handle)
	spanLogsHandlerH := handler.NewHandler[*wf.SpanLogs](spanLogsKey, validateSpanLogs, spanLogsPool, blocked, spanLogsMetrics, *blockedItemsPerBatch)
	spanLogsHandlerH.SetFeatureDisabled(func() bool { return flags.Get(spanLogsKey.Handle) })
	spanLogsStats := handler.NewStatsPrinter(spanLogsKey, spanLogsMetrics)
	registry.Register(spanLogsKey, spanLogsHandlerH)
	lifecycles = append(lifecycles, spanLogsPool, spanLogsReplayer, spanLogsStats)
	tuners = append(tuners, &entityTuning{handle: spanLogsKey.Handle, config: spanLogsCfg, pool: spanLogsPool, handlerStats: spanLogsMetrics})

	// Source-tag operations: no timestamp, no preprocessing rules defined
	// for this entity kind in SPEC_FULL.md.
	sourceTagKey := wf.HandlerKey{EntityType: wf.EntitySourceTag, Handle: *sourceTagHandle}
	sourceTagCfg := newTaskConfig()
	sourceTagPool, _, sourceTagReplayer, err := buildPool[*wf.SourceTagOperation](sharder, sourceTagKey, sourceTagCfg, sourceTagSubmitter,
		*rateLimit, *rateLimitBurstSeconds, *sendersPerPool, *spoolMaxAttempts, *spoolMaxQueueAge)
	if err != nil {
		log.Fatalf("proxy: %v", err)
	}
	sourceTagMetrics := handler.NewMetrics(sourceTagKey.EntityType.String(), sourceTagKey.Handle)
	sourceTagHandlerH := handler.NewHandler[*wf.SourceTagOperation](sourceTagKey, validateSourceTagOp, sourceTagPool, blocked, sourceTagMetrics, *blockedItemsPerBatch)
	sourceTagHandlerH.SetFeatureDisabled(func() bool { return flags.Get(sourceTagKey.Handle) })
	sourceTagStats := handler.NewStatsPrinter(sourceTagKey, sourceTagMetrics)
	registry.Register(sourceTagKey, sourceTagHandlerH)
	lifecycles = append(lifecycles, sourceTagPool, sourceTagReplayer, sourceTagStats)
	tuners = append(tuners, &entityTuning{handle: sourceTagKey.Handle, config: sourceTagCfg, pool: sourceTagPool, handlerStats: sourceTagMetrics})

	// Check-in controller: metrics snapshot plus configuration appliers.
	snapshotter := &metricsSnapshotter{
		handlers: []namedMetrics{
			{key: pointsKey, m: pointsMetrics},
			{key: deltaKey, m: deltaMetrics},
			{key: histKey, m: histMetrics},
			{key: spanKey, m: spanMetrics},
			{key: spanLogsKey, m: spanLogsMetrics},
			{key: sourceTagKey, m: sourceTagMetrics},
		},
		deltaAcc: deltaAcc,
		histAcc:  histAcc,
		redSize:  redReporter.Size,
	}

	appliers := []checkin.ConfigApplier{
		flags,
		&samplerConfigApplier{sampler: sampler},
	}
	for _, t := range tuners {
		appliers = append(appliers, t)
	}

	controller := checkin.NewController(*proxyID, *token, *hostname, *buildVersion, *checkinURL, *ephemeral, snapshotter, appliers...)
	lifecycles = append(lifecycles, controller)
	clockNow = controller.Now

	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		mirror := checkin.NewRedisMirror(&redisEvalAdapter{client}, *proxyGroup, 24*time.Hour)
		controller.SetRedisMirror(mirror)
	}

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "time": time.Now().UnixMilli()})
	})
	http.HandleFunc("/report/points", reportEndpoint(pointsHandlerH, pointsChain.Apply))
	http.HandleFunc("/report/delta", reportEndpoint(deltaHandlerH, deltaChain.Apply))
	http.HandleFunc("/report/histograms", reportEndpoint(histHandlerH, nil))
	http.HandleFunc("/report/spans", reportSpanEndpoint(spanChain, fanIn))
	http.HandleFunc("/report/spanlogs", reportEndpoint(spanLogsHandlerH, nil))
	http.HandleFunc("/report/sourcetags", reportEndpoint(sourceTagHandlerH, nil))

	for _, l := range lifecycles {
		l.Start()
	}

	go func() {
		log.Printf("proxy listening on %s", *addr)
		if err := http.ListenAndServe(*addr, nil); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("proxy: shutting down")
	for i := len(lifecycles) - 1; i >= 0; i-- {
		lifecycles[i].Stop()
	}
	registry.ShutdownAll()
	blocked.close()
}

// lifecycle is the common Start/Stop shape shared by every background
// component wired into main: sender pools, spool replayers, stats
// printers, accumulators, the span fan-in, and the check-in controller.
type lifecycle interface {
	Start()
	Stop()
}

// buildPool opens the disk spool for key, builds its sender-task pool, and
// builds a Replayer that drains that spool back toward the backend once
// the caller starts it.
func buildPool[E any](sharder *spool.Sharder, key wf.HandlerKey, cfg *sender.TaskConfig, submitter sender.Submitter[E],
	rateLimit, burstSeconds float64, nSenders, maxAttempts int, maxQueueAge time.Duration,
) (*sender.Pool[E], *spool.TaskQueue[[]E, E], *spool.Replayer[[]E, E], error) {
	dir := sharder.DirFor(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}
	queue, err := spool.Open[[]E, E](dir, key, maxAttempts, maxQueueAge)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open spool for %s: %w", key, err)
	}

	tasks := make([]*sender.Task[E], 0, nSenders)
	for i := 0; i < nSenders; i++ {
		lim := sender.NewTaskLimiter(rateLimit, burstSeconds)
		tasks = append(tasks, sender.NewTask[E](key.Handle, key.EntityType, cfg, lim, submitter, queue))
	}
	pool := sender.NewPool[E](key, tasks)

	replayLimiter := sender.NewTaskLimiter(rateLimit, burstSeconds)
	replayer := spool.NewReplayer[[]E, E](queue, submitter, replayLimiter, cfg)
	return pool, queue, replayer, nil
}

// deltaToPointSink and histToPointSink adapt accumulator emissions back
// into the sender pool for the same HandlerKey, per spec §4.C's "bypassing
// re-validation" — emitted values skip the handler's Validate entirely.
type deltaToPointSink struct{ pool *sender.Pool[*wf.Point] }

func (s *deltaToPointSink) EmitDelta(key wf.HostMetricTagsPair, value float64) {
	s.pool.Offer(&wf.Point{
		Metric:      key.Metric,
		Source:      key.Host,
		Timestamp:   time.Now().UnixMilli(),
		Value:       value,
		Annotations: key.Tags,
	})
}

type histToPointSink struct{ pool *sender.Pool[*wf.Point] }

func (s *histToPointSink) EmitHistogram(key wf.HostMetricTagsPair, h *wf.Histogram) {
	s.pool.Offer(&wf.Point{
		Metric:      key.Metric,
		Source:      key.Host,
		Timestamp:   time.Now().UnixMilli(),
		Histogram:   h,
		Annotations: key.Tags,
	})
}

// pointToDeltaSink and pointToHistogramSink are the Handler.Sink a
// delta-counter or histogram HandlerKey's handler uses: validated points
// feed the accumulator instead of the pool directly.
type pointToDeltaSink struct{ acc *accumulator.DeltaAccumulator }

func (s *pointToDeltaSink) Offer(item *wf.Point) bool {
	key := wf.HostMetricTagsPair{Host: item.Source, Metric: item.Metric, Tags: item.Annotations}
	s.acc.Add(key, item.Value)
	return true
}

type pointToHistogramSink struct{ acc *accumulator.HistogramAccumulator }

func (s *pointToHistogramSink) Offer(item *wf.Point) bool {
	key := wf.HostMetricTagsPair{Host: item.Source, Metric: item.Metric, Tags: item.Annotations}
	if item.Histogram != nil {
		return s.acc.AddHistogram(key, item.Histogram)
	}
	s.acc.AddSample(key, item.Value)
	return true
}

// entityTuning implements checkin.ConfigApplier for one HandlerKey: batch
// size and rate limit come from the AgentConfiguration maps keyed by
// handle. The TaskConfig fields it mutates are plain (non-atomic) ints and
// durations shared with the running Task goroutines; a retune racing a
// flush can observe a torn read on some architectures. This is accepted as
// a simplification rather than retrofitted with atomics, since the window
// is one flush cycle and the next check-in tick corrects any transient
// mis-sized batch.
type entityTuning struct {
	handle       string
	config       *sender.TaskConfig
	pool         interface{ SetRateLimit(rateLimit, maxBurstSeconds float64) }
	handlerStats *handler.Metrics
}

func (t *entityTuning) ApplyConfiguration(cfg *checkin.AgentConfiguration) {
	if n, ok := cfg.ItemsPerBatch[t.handle]; ok && n > 0 {
		t.config.ItemsPerBatch = n
	}
	if r, ok := cfg.RateLimit[t.handle]; ok && r > 0 {
		t.pool.SetRateLimit(r, 2.0)
	}
}

// samplerConfigApplier bridges checkin.AgentConfiguration to the trace
// sampler without internal/trace needing to import internal/checkin.
type samplerConfigApplier struct{ sampler *trace.Sampler }

func (a *samplerConfigApplier) ApplyConfiguration(cfg *checkin.AgentConfiguration) {
	a.sampler.ApplySamplingRate(cfg.SamplingRate)
}

// featureFlagStore is the shared map every handler's SetFeatureDisabled
// closure reads from, and the ConfigApplier the check-in controller
// writes into when the backend pushes featureDisabled.
type featureFlagStore struct {
	mu sync.RWMutex
	m  map[string]bool
}

func newFeatureFlagStore() *featureFlagStore { return &featureFlagStore{m: map[string]bool{}} }

func (f *featureFlagStore) Get(handle string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m[handle]
}

func (f *featureFlagStore) ApplyConfiguration(cfg *checkin.AgentConfiguration) {
	if cfg.FeatureDisabled == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for handle, disabled := range cfg.FeatureDisabled {
		f.m[handle] = disabled
	}
}

// namedMetrics pairs a HandlerKey with the Metrics it owns, for the
// check-in metrics document.
type namedMetrics struct {
	key wf.HandlerKey
	m   *handler.Metrics
}

// metricsSnapshotter builds the JSON document the check-in controller
// sends every 60s: per-handler counters plus accumulator and RED-reporter
// sizes.
type metricsSnapshotter struct {
	handlers []namedMetrics
	deltaAcc *accumulator.DeltaAccumulator
	histAcc  *accumulator.HistogramAccumulator
	redSize  func() int
}

func (s *metricsSnapshotter) SnapshotMetrics() (json.RawMessage, error) {
	doc := map[string]any{}
	for _, nm := range s.handlers {
		doc[nm.key.String()] = nm.m.Snapshot()
	}
	doc["deltaAccumulatorCells"] = s.deltaAcc.Size()
	doc["histogramAccumulatorCells"] = s.histAcc.Size()
	doc["redKeysTracked"] = s.redSize()
	return json.Marshal(doc)
}

// fileBlockedLogger writes every blocked/rejected item to a durable,
// append-only JSON-lines audit log at full rate, independent of the
// token-bucket-limited human log line (spec §4.A).
type fileBlockedLogger struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func newFileBlockedLogger(path string) (*fileBlockedLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &fileBlockedLogger{f: f, enc: json.NewEncoder(f)}, nil
}

func (b *fileBlockedLogger) LogBlocked(key wf.HandlerKey, item any, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.enc.Encode(map[string]any{
		"key":    key.String(),
		"reason": reason,
		"item":   item,
		"ts":     time.Now().UTC(),
	})
}

func (b *fileBlockedLogger) close() { _ = b.f.Close() }

// redisEvalAdapter satisfies checkin.RedisEvaler over a *redis.Client,
// whose own Eval returns a *redis.Cmd rather than the (interface{}, error)
// pair the checkin package's narrow interface expects.
type redisEvalAdapter struct{ client *redis.Client }

func (a *redisEvalAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return a.client.Eval(ctx, script, keys, args...).Result()
}

const (
	maxPastAge    = 7 * 24 * time.Hour
	maxFutureSkew = 1 * time.Hour
)

// clockNow is overridden once the check-in controller starts receiving
// currentTime corrections (spec §4.F step 3), so timestamp validation is
// judged against the backend's notion of "now" rather than a possibly-
// drifted local clock. Defaults to time.Now.
var clockNow = time.Now

func validateTimestamp(ms int64) error {
	if ms <= 0 {
		return fmt.Errorf("missing timestamp")
	}
	t := time.UnixMilli(ms)
	now := clockNow()
	if t.Before(now.Add(-maxPastAge)) {
		return fmt.Errorf("timestamp %s too far in the past", t)
	}
	if t.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("timestamp %s too far in the future", t)
	}
	return nil
}

// validatePoint returns a Validate func for a points-shaped HandlerKey.
// requireDelta enforces the delta-prefix/handle-kind agreement spec
// invariant: true for the delta-counter handle, false everywhere else.
func validatePoint(requireDelta bool) func(*wf.Point) error {
	return func(p *wf.Point) error {
		if p.Source == "" {
			return fmt.Errorf("missing source")
		}
		if err := validateTimestamp(p.Timestamp); err != nil {
			return err
		}
		if badKey, ok := wf.ValidateAnnotationKeys(p.Annotations); !ok {
			return fmt.Errorf("invalid annotation key %q", badKey)
		}
		if requireDelta && !p.IsDelta() {
			return fmt.Errorf("non-delta metric %q on delta handle", p.Metric)
		}
		if !requireDelta && p.IsDelta() {
			return fmt.Errorf("delta metric %q on non-delta handle", p.Metric)
		}
		return nil
	}
}

func validateSpan(s *wf.Span) error {
	if s.Source == "" {
		return fmt.Errorf("missing source")
	}
	return validateTimestamp(s.StartMs)
}

func validateSpanLogs(sl *wf.SpanLogs) error {
	if sl.TraceID == "" || sl.SpanID == "" {
		return fmt.Errorf("missing traceId/spanId")
	}
	return nil
}

func validateSourceTagOp(op *wf.SourceTagOperation) error {
	if op.Source == "" {
		return fmt.Errorf("missing source")
	}
	return nil
}

// reportEndpoint decodes a JSON array of *T from the request body, runs
// preprocess (if non-nil) over each item, and reports it to h. Wire-format
// parsing (the real Wavefront line/JSON protocols) is out of scope; this
// accepts pre-decoded JSON directly, mirroring cmd/tfd-proxy's own
// demo-endpoint pattern of a thin HTTP shim over the real pipeline.
func reportEndpoint[T any](h *handler.Handler[T], preprocess func(T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []T
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
			return
		}
		for _, item := range items {
			if preprocess != nil {
				preprocess(item)
			}
			h.Report(item)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(items)})
	}
}

// reportSpanEndpoint is reportEndpoint's span-specific twin: preprocessing
// is followed by the sampling/RED/heartbeat fan-in rather than a direct
// handler.Report call, since spans have a decision step plain points and
// span logs don't (spec §4.G).
func reportSpanEndpoint(chain *preprocessor.Chain[*wf.Span], fanIn *trace.FanIn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []*wf.Span
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
			return
		}
		for _, item := range items {
			chain.Apply(item)
			fanIn.Observe(item)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(items)})
	}
}

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

package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RedisEvaler abstracts the minimal surface needed from a Redis client,
// mirrored from internal/ratelimiter/persistence/redis.go. A
// github.com/redis/go-redis/v9 *redis.Client does not satisfy it directly
// (its Eval returns a *redis.Cmd); cmd/proxy wraps one in redisEvalAdapter.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// mirrorLuaScript applies a configuration generation idempotently across a
// fleet of proxies sharing one Redis instance: only the first proxy to
// observe generation N actually stores it, so every other proxy in the
// fleet reads back the identical document rather than racing to overwrite
// it with a slightly different snapshot taken a few milliseconds apart.
// Grounded directly on persistence/redis.go's SETNX-marker-then-apply
// pattern, generalized from a counter decrement to a document store.
const mirrorLuaScript = `
local docKey = KEYS[1]
local markerKey = KEYS[2]
local doc = ARGV[1]
local ttlSeconds = tonumber(ARGV[2])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('SET', docKey, doc)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
    redis.call('EXPIRE', docKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

func mirrorDocKey(proxyGroup string) string    { return fmt.Sprintf("checkin:config:%s", proxyGroup) }
func mirrorMarkerKey(proxyGroup string, generation int64) string {
	return fmt.Sprintf("checkin:config-marker:%s:%d", proxyGroup, generation)
}

// RedisMirror optionally fans a fetched AgentConfiguration out to Redis so
// other proxies in the same fleet (sharing proxyGroup) converge on the
// same configuration generation without each hitting the backend
// independently for it.
type RedisMirror struct {
	client     RedisEvaler
	proxyGroup string
	markerTTL  time.Duration
}

func NewRedisMirror(client RedisEvaler, proxyGroup string, markerTTL time.Duration) *RedisMirror {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisMirror{client: client, proxyGroup: proxyGroup, markerTTL: markerTTL}
}

// Mirror idempotently publishes cfg under generation; returns true if this
// call was the one that actually wrote it.
func (m *RedisMirror) Mirror(ctx context.Context, generation int64, cfg *AgentConfiguration) (bool, error) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("checkin: marshal mirrored configuration: %w", err)
	}
	keys := []string{mirrorDocKey(m.proxyGroup), mirrorMarkerKey(m.proxyGroup, generation)}
	args := []interface{}{string(doc), int(m.markerTTL.Seconds())}
	result, err := m.client.Eval(ctx, mirrorLuaScript, keys, args...)
	if err != nil {
		return false, fmt.Errorf("checkin: mirror eval: %w", err)
	}
	applied, _ := result.(int64)
	return applied == 1, nil
}

// Fetch reads back whatever configuration document is currently mirrored
// for proxyGroup, used by a proxy that wants to pick up a fleet-wide
// configuration without waiting for its own next check-in tick.
func (m *RedisMirror) Fetch(ctx context.Context) (*AgentConfiguration, error) {
	result, err := m.client.Eval(ctx, `return redis.call('GET', KEYS[1])`, []string{mirrorDocKey(m.proxyGroup)})
	if err != nil {
		return nil, fmt.Errorf("checkin: mirror fetch: %w", err)
	}
	raw, ok := result.(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var cfg AgentConfiguration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("checkin: decode mirrored configuration: %w", err)
	}
	return &cfg, nil
}

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
	"testing"
	"time"
)

// redisEvalerMock stands in for a real Redis client, simulating the
// mirrorLuaScript's SETNX-then-SET semantics and a plain GET for Fetch.
type redisEvalerMock struct {
	store   map[string]string
	markers map[string]bool
}

func newRedisEvalerMock() *redisEvalerMock {
	return &redisEvalerMock{store: map[string]string{}, markers: map[string]bool{}}
}

func (m *redisEvalerMock) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if len(keys) == 1 {
		// Fetch's plain GET script.
		v, ok := m.store[keys[0]]
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	docKey, markerKey := keys[0], keys[1]
	if m.markers[markerKey] {
		return int64(0), nil
	}
	m.markers[markerKey] = true
	m.store[docKey] = args[0].(string)
	return int64(1), nil
}

func TestRedisMirror_MirrorAppliesOnlyOnce(t *testing.T) {
	client := newRedisEvalerMock()
	m := NewRedisMirror(client, "group1", time.Hour)

	applied1, err := m.Mirror(context.Background(), 1, &AgentConfiguration{})
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if !applied1 {
		t.Fatalf("expected the first Mirror call for a generation to apply")
	}

	applied2, err := m.Mirror(context.Background(), 1, &AgentConfiguration{})
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if applied2 {
		t.Fatalf("expected a second Mirror call for the same generation to be a no-op")
	}
}

func TestRedisMirror_FetchReturnsWhatWasMirrored(t *testing.T) {
	client := newRedisEvalerMock()
	m := NewRedisMirror(client, "group1", time.Hour)
	rate := 0.25
	m.Mirror(context.Background(), 1, &AgentConfiguration{SamplingRate: &rate})

	got, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got == nil || got.SamplingRate == nil || *got.SamplingRate != 0.25 {
		t.Fatalf("got %+v, want SamplingRate=0.25", got)
	}
}

func TestRedisMirror_FetchOnEmptyStoreReturnsNil(t *testing.T) {
	client := newRedisEvalerMock()
	m := NewRedisMirror(client, "group1", time.Hour)
	got, err := m.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a nil configuration for an unmirrored group, got %+v", got)
	}
}

func TestMirrorDocKey_NamespacesByProxyGroup(t *testing.T) {
	if got := mirrorDocKey("fleet-a"); got != "checkin:config:fleet-a" {
		t.Fatalf("got %q, want checkin:config:fleet-a", got)
	}
}

func TestAgentConfiguration_RoundTripsThroughJSON(t *testing.T) {
	rate := 0.1
	cfg := AgentConfiguration{SamplingRate: &rate, FeatureDisabled: map[string]bool{"2878": true}}
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got AgentConfiguration
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.FeatureDisabled["2878"] != true {
		t.Fatalf("got %+v, want FeatureDisabled[2878]=true", got)
	}
}

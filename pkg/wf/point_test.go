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

package wf

import "testing"

func TestPoint_IsDelta(t *testing.T) {
	delta := &Point{Metric: DeltaPrefix + "request.count"}
	if !delta.IsDelta() {
		t.Fatalf("expected delta-prefixed metric to report IsDelta")
	}
	plain := &Point{Metric: "request.count"}
	if plain.IsDelta() {
		t.Fatalf("expected plain metric to report !IsDelta")
	}
	empty := &Point{}
	if empty.IsDelta() {
		t.Fatalf("expected empty metric to report !IsDelta")
	}
}

func TestValidateAnnotationKeys(t *testing.T) {
	if bad, ok := ValidateAnnotationKeys(map[string]string{"env": "prod", "az-1": "us"}); !ok {
		t.Fatalf("expected valid key set to pass, flagged %q", bad)
	}
	bad, ok := ValidateAnnotationKeys(map[string]string{"env": "prod", "bad key!": "x"})
	if ok {
		t.Fatalf("expected invalid key to be rejected")
	}
	if bad != "bad key!" {
		t.Fatalf("expected the offending key to be reported, got %q", bad)
	}
}

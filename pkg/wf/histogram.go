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

// Granularity names the accumulation window a histogram digest was built
// at. Incoming histograms coarser than the accumulator's granularity are
// rejected (spec invariant on histogram accumulation).
type Granularity int

const (
	GranularityMinute Granularity = iota
	GranularityHour
	GranularityDay
)

// Duration returns the granularity's window length in milliseconds, used to
// compare an incoming Histogram's DurationMs against an accumulator's
// configured granularity.
func (g Granularity) Duration() int64 {
	switch g {
	case GranularityMinute:
		return 60_000
	case GranularityHour:
		return 3_600_000
	case GranularityDay:
		return 86_400_000
	default:
		return 60_000
	}
}

// Bin is one centroid/count pair of a histogram distribution.
type Bin struct {
	Centroid float64
	Count    int64
}

// Histogram is a distribution sample: a set of bins plus the duration of
// the window it was computed over.
type Histogram struct {
	DurationMs int64
	Bins       []Bin
}

// SampleCount returns the total number of samples across all bins.
func (h *Histogram) SampleCount() int64 {
	var n int64
	for _, b := range h.Bins {
		n += b.Count
	}
	return n
}

// Accepts reports whether a histogram of this duration may be merged into
// an accumulator running at granularity g: the incoming duration must be no
// coarser than (i.e. <=) the accumulator's window.
func (h *Histogram) Accepts(g Granularity) bool {
	return h.DurationMs <= g.Duration()
}

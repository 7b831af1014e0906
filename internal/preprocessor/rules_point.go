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

package preprocessor

import (
	"regexp"
	"strings"

	"ingestproxy/pkg/wf"
)

// PointExpander resolves {{source}}, {{metric}}, and {{annotation.X}}
// against a *wf.Point.
func PointExpander(item *wf.Point, template string) string {
	return expandTemplate(template, func(key string) (string, bool) {
		switch {
		case key == "source":
			return item.Source, true
		case key == "metric":
			return item.Metric, true
		case strings.HasPrefix(key, "annotation."):
			name := strings.TrimPrefix(key, "annotation.")
			if item.Annotations == nil {
				return "", true
			}
			v, ok := item.Annotations[name]
			if !ok {
				return "", true
			}
			return v, true
		default:
			return "", false
		}
	})
}

// LimitLengthAction is the limitLength rule's overflow disposition.
type LimitLengthAction int

const (
	ActionTruncate LimitLengthAction = iota
	ActionTruncateWithEllipsis
	ActionDrop
)

// AddTag overwrites tag Key with the placeholder-expanded Value.
type AddTag struct {
	Key   string
	Value string
}

func (r *AddTag) Name() string { return "addTag" }

func (r *AddTag) Apply(item *wf.Point, expand PlaceholderExpander[*wf.Point]) {
	if item.Annotations == nil {
		item.Annotations = map[string]string{}
	}
	item.Annotations[r.Key] = expand(item, r.Value)
}

// AddTagIfNotExists sets Key=Value only when Key is absent.
type AddTagIfNotExists struct {
	Key   string
	Value string
}

func (r *AddTagIfNotExists) Name() string { return "addTagIfNotExists" }

func (r *AddTagIfNotExists) Apply(item *wf.Point, expand PlaceholderExpander[*wf.Point]) {
	if item.Annotations == nil {
		item.Annotations = map[string]string{}
	}
	if _, exists := item.Annotations[r.Key]; exists {
		return
	}
	item.Annotations[r.Key] = expand(item, r.Value)
}

// DropTag removes every tag whose key matches KeyPattern, and whose value
// matches ValuePattern when ValuePattern is non-nil.
type DropTag struct {
	KeyPattern   *regexp.Regexp
	ValuePattern *regexp.Regexp // nil means "match any value"
}

func (r *DropTag) Name() string { return "dropTag" }

func (r *DropTag) Apply(item *wf.Point, _ PlaceholderExpander[*wf.Point]) {
	if item.Annotations == nil {
		return
	}
	for k, v := range item.Annotations {
		if !r.KeyPattern.MatchString(k) {
			continue
		}
		if r.ValuePattern != nil && !r.ValuePattern.MatchString(v) {
			continue
		}
		delete(item.Annotations, k)
	}
}

// RenameTag renames From to To, optionally gated by a value-regex filter.
type RenameTag struct {
	From         string
	To           string
	ValuePattern *regexp.Regexp // nil means unconditional
}

func (r *RenameTag) Name() string { return "renameTag" }

func (r *RenameTag) Apply(item *wf.Point, _ PlaceholderExpander[*wf.Point]) {
	if item.Annotations == nil {
		return
	}
	v, ok := item.Annotations[r.From]
	if !ok {
		return
	}
	if r.ValuePattern != nil && !r.ValuePattern.MatchString(v) {
		return
	}
	delete(item.Annotations, r.From)
	item.Annotations[r.To] = v
}

// PointInputField names the point field extractTag/forceLowercase/
// replaceRegex/limitLength operate on.
type PointInputField struct {
	// Exactly one of Annotation or {Metric,Source} is meaningful.
	Metric     bool
	Source     bool
	Annotation string // annotation key; empty when Metric or Source is set
}

func (f PointInputField) get(item *wf.Point) (string, bool) {
	switch {
	case f.Metric:
		return item.Metric, true
	case f.Source:
		return item.Source, true
	default:
		if item.Annotations == nil {
			return "", false
		}
		v, ok := item.Annotations[f.Annotation]
		return v, ok
	}
}

func (f PointInputField) set(item *wf.Point, v string) {
	switch {
	case f.Metric:
		item.Metric = v
	case f.Source:
		item.Source = v
	default:
		if item.Annotations == nil {
			item.Annotations = map[string]string{}
		}
		item.Annotations[f.Annotation] = v
	}
}

// ExtractTag extracts Pattern's first capture group from Field and writes
// it to Key, optionally rewriting Field itself to RewriteTo (placeholder
// "{{extracted}}" is resolved to the captured group).
type ExtractTag struct {
	Field     PointInputField
	Pattern   *regexp.Regexp
	Key       string
	RewriteTo string // empty: do not rewrite the source field
}

func (r *ExtractTag) Name() string { return "extractTag" }

func (r *ExtractTag) Apply(item *wf.Point, expand PlaceholderExpander[*wf.Point]) {
	v, ok := r.Field.get(item)
	if !ok {
		return
	}
	m := r.Pattern.FindStringSubmatch(v)
	if len(m) < 2 {
		return
	}
	extracted := m[1]
	if item.Annotations == nil {
		item.Annotations = map[string]string{}
	}
	item.Annotations[r.Key] = extracted
	if r.RewriteTo != "" {
		rewritten := expand(item, strings.ReplaceAll(r.RewriteTo, "{{extracted}}", extracted))
		r.Field.set(item, rewritten)
	}
}

// LimitLength truncates Field to MaxLength characters per Action.
type LimitLength struct {
	Field     PointInputField
	MaxLength int
	Action    LimitLengthAction
}

func (r *LimitLength) Name() string { return "limitLength" }

func (r *LimitLength) Apply(item *wf.Point, _ PlaceholderExpander[*wf.Point]) {
	v, ok := r.Field.get(item)
	if !ok || len(v) <= r.MaxLength {
		return
	}
	switch r.Action {
	case ActionTruncate:
		r.Field.set(item, v[:r.MaxLength])
	case ActionTruncateWithEllipsis:
		const ellipsis = "..."
		n := r.MaxLength - len(ellipsis)
		if n < 0 {
			n = 0
		}
		r.Field.set(item, v[:n]+ellipsis)
	case ActionDrop:
		if r.Field.Annotation != "" && item.Annotations != nil {
			delete(item.Annotations, r.Field.Annotation)
		}
	}
}

// ForceLowercase lowercases Field, optionally gated by MatchPattern.
type ForceLowercase struct {
	Field        PointInputField
	MatchPattern *regexp.Regexp // nil means unconditional
}

func (r *ForceLowercase) Name() string { return "forceLowercase" }

func (r *ForceLowercase) Apply(item *wf.Point, _ PlaceholderExpander[*wf.Point]) {
	v, ok := r.Field.get(item)
	if !ok {
		return
	}
	if r.MatchPattern != nil && !r.MatchPattern.MatchString(v) {
		return
	}
	r.Field.set(item, strings.ToLower(v))
}

// ReplaceRegex replaces every match of Search in Field with Replacement
// (placeholder-expanded, supporting Go regexp `$1`-style group references).
type ReplaceRegex struct {
	Field       PointInputField
	Search      *regexp.Regexp
	Replacement string
}

func (r *ReplaceRegex) Name() string { return "replaceRegex" }

func (r *ReplaceRegex) Apply(item *wf.Point, expand PlaceholderExpander[*wf.Point]) {
	v, ok := r.Field.get(item)
	if !ok {
		return
	}
	replacement := expand(item, r.Replacement)
	r.Field.set(item, r.Search.ReplaceAllString(v, replacement))
}

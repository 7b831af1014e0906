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

// SpanExpander resolves {{source}}, {{metric}} (aliased to span name for
// rule-config compatibility with point rules), and {{annotation.X}} against
// the first matching annotation of a *wf.Span.
func SpanExpander(item *wf.Span, template string) string {
	return expandTemplate(template, func(key string) (string, bool) {
		switch {
		case key == "source":
			return item.Source, true
		case key == "metric":
			return item.Name, true
		case strings.HasPrefix(key, "annotation."):
			name := strings.TrimPrefix(key, "annotation.")
			if v, ok := item.Get(name); ok {
				return v, true
			}
			return "", true
		default:
			return "", false
		}
	})
}

// SpanInputField names the span field a rule reads from: the span name, the
// source, or an annotation key (spec §4.B: "input ∈ {metricName, sourceName,
// <annotationKey>}" — spanName stands in for metricName on a span).
type SpanInputField struct {
	Name       bool
	Source     bool
	Annotation string
}

func (f SpanInputField) get(item *wf.Span) (string, bool) {
	switch {
	case f.Name:
		return item.Name, true
	case f.Source:
		return item.Source, true
	default:
		return item.Get(f.Annotation)
	}
}

func (f SpanInputField) set(item *wf.Span, v string) {
	switch {
	case f.Name:
		item.Name = v
	case f.Source:
		item.Source = v
	default:
		for i := range item.Annotations {
			if item.Annotations[i].Key == f.Annotation {
				item.Annotations[i].Value = v
				return
			}
		}
		item.Annotations = append(item.Annotations, wf.Annotation{Key: f.Annotation, Value: v})
	}
}

// SpanAddTag appends a new annotation (placeholder-expanded).
type SpanAddTag struct {
	Key   string
	Value string
}

func (r *SpanAddTag) Name() string { return "addTag" }

func (r *SpanAddTag) Apply(item *wf.Span, expand PlaceholderExpander[*wf.Span]) {
	for i := range item.Annotations {
		if item.Annotations[i].Key == r.Key {
			item.Annotations[i].Value = expand(item, r.Value)
			return
		}
	}
	item.Annotations = append(item.Annotations, wf.Annotation{Key: r.Key, Value: expand(item, r.Value)})
}

// SpanAddTagIfNotExists appends Key=Value only if no annotation with Key
// already exists.
type SpanAddTagIfNotExists struct {
	Key   string
	Value string
}

func (r *SpanAddTagIfNotExists) Name() string { return "addTagIfNotExists" }

func (r *SpanAddTagIfNotExists) Apply(item *wf.Span, expand PlaceholderExpander[*wf.Span]) {
	if _, ok := item.Get(r.Key); ok {
		return
	}
	item.Annotations = append(item.Annotations, wf.Annotation{Key: r.Key, Value: expand(item, r.Value)})
}

// SpanDropTag removes every annotation whose key matches KeyPattern and,
// when ValuePattern is non-nil, whose value also matches.
type SpanDropTag struct {
	KeyPattern   *regexp.Regexp
	ValuePattern *regexp.Regexp
}

func (r *SpanDropTag) Name() string { return "dropTag" }

func (r *SpanDropTag) Apply(item *wf.Span, _ PlaceholderExpander[*wf.Span]) {
	kept := item.Annotations[:0]
	for _, a := range item.Annotations {
		if r.KeyPattern.MatchString(a.Key) && (r.ValuePattern == nil || r.ValuePattern.MatchString(a.Value)) {
			continue
		}
		kept = append(kept, a)
	}
	item.Annotations = kept
}

// SpanRenameTag renames every annotation key From to To, honoring
// duplicate, ordered annotations (spec §4.B: "span annotations are ordered
// and may be duplicated").
type SpanRenameTag struct {
	From         string
	To           string
	ValuePattern *regexp.Regexp
}

func (r *SpanRenameTag) Name() string { return "renameTag" }

func (r *SpanRenameTag) Apply(item *wf.Span, _ PlaceholderExpander[*wf.Span]) {
	for i := range item.Annotations {
		if item.Annotations[i].Key != r.From {
			continue
		}
		if r.ValuePattern != nil && !r.ValuePattern.MatchString(item.Annotations[i].Value) {
			continue
		}
		item.Annotations[i].Key = r.To
	}
}

// SpanExtractTag extracts Pattern's first capture group from Field.
// When Field is an annotation key and FirstMatchOnly is true, only the
// first matching annotation is rewritten, per spec §4.B's span extraction
// semantics; otherwise every matching annotation is rewritten.
type SpanExtractTag struct {
	Field          SpanInputField
	Pattern        *regexp.Regexp
	Key            string
	RewriteTo      string
	FirstMatchOnly bool
}

func (r *SpanExtractTag) Name() string { return "extractTag" }

func (r *SpanExtractTag) Apply(item *wf.Span, expand PlaceholderExpander[*wf.Span]) {
	if r.Field.Annotation == "" {
		v, ok := r.Field.get(item)
		if !ok {
			return
		}
		m := r.Pattern.FindStringSubmatch(v)
		if len(m) < 2 {
			return
		}
		item.Annotations = append(item.Annotations, wf.Annotation{Key: r.Key, Value: m[1]})
		if r.RewriteTo != "" {
			r.Field.set(item, expand(item, strings.ReplaceAll(r.RewriteTo, "{{extracted}}", m[1])))
		}
		return
	}

	for i := range item.Annotations {
		if item.Annotations[i].Key != r.Field.Annotation {
			continue
		}
		m := r.Pattern.FindStringSubmatch(item.Annotations[i].Value)
		if len(m) < 2 {
			continue
		}
		extracted := m[1]
		item.Annotations = append(item.Annotations, wf.Annotation{Key: r.Key, Value: extracted})
		if r.RewriteTo != "" {
			item.Annotations[i].Value = expand(item, strings.ReplaceAll(r.RewriteTo, "{{extracted}}", extracted))
		}
		if r.FirstMatchOnly {
			return
		}
	}
}

// SpanForceLowercase lowercases every matching occurrence of Field.
type SpanForceLowercase struct {
	Field        SpanInputField
	MatchPattern *regexp.Regexp
}

func (r *SpanForceLowercase) Name() string { return "forceLowercase" }

func (r *SpanForceLowercase) Apply(item *wf.Span, _ PlaceholderExpander[*wf.Span]) {
	if r.Field.Annotation == "" {
		v, ok := r.Field.get(item)
		if !ok || (r.MatchPattern != nil && !r.MatchPattern.MatchString(v)) {
			return
		}
		r.Field.set(item, strings.ToLower(v))
		return
	}
	for i := range item.Annotations {
		if item.Annotations[i].Key != r.Field.Annotation {
			continue
		}
		if r.MatchPattern != nil && !r.MatchPattern.MatchString(item.Annotations[i].Value) {
			continue
		}
		item.Annotations[i].Value = strings.ToLower(item.Annotations[i].Value)
	}
}

// SpanReplaceRegex replaces Search matches in every occurrence of Field.
type SpanReplaceRegex struct {
	Field       SpanInputField
	Search      *regexp.Regexp
	Replacement string
}

func (r *SpanReplaceRegex) Name() string { return "replaceRegex" }

func (r *SpanReplaceRegex) Apply(item *wf.Span, expand PlaceholderExpander[*wf.Span]) {
	replacement := expand(item, r.Replacement)
	if r.Field.Annotation == "" {
		v, ok := r.Field.get(item)
		if !ok {
			return
		}
		r.Field.set(item, r.Search.ReplaceAllString(v, replacement))
		return
	}
	for i := range item.Annotations {
		if item.Annotations[i].Key != r.Field.Annotation {
			continue
		}
		item.Annotations[i].Value = r.Search.ReplaceAllString(item.Annotations[i].Value, replacement)
	}
}

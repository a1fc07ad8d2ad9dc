// Package markers extracts structured directives embedded in agent text.
//
// Agents emit directives inline using a bracket-tag convention:
//
//	[SHERLOCK_CHART:v1]
//	{"chart_type": "line", ...}
//	[/SHERLOCK_CHART]
//
// The detector pulls these out of free-form text, decodes the JSON body,
// and returns the text with the matched spans removed so downstream
// consumers never render the raw directive.
package markers

import (
	"encoding/json"
	"strings"
)

// Default tag vocabulary. The set is configurable; these are the tags the
// current agent personas emit.
const (
	TagChart           = "SHERLOCK_CHART"
	TagResearch        = "SHERLOCK_RESEARCH"
	TagScene           = "SHERLOCK_SCENE"
	TagComponentUpdate = "SHERLOCK_COMPONENT_UPDATE"
)

// markerVersion is the only directive version currently recognized.
const markerVersion = "v1"

// Marker is one decoded directive.
type Marker struct {
	// Tag is the bracket tag the marker was parsed from.
	Tag string

	// Data is the decoded JSON body.
	Data map[string]any

	// RawJSON is the body exactly as it appeared between the tags.
	RawJSON string
}

// Detector scans text for a fixed tag vocabulary.
type Detector struct {
	tags []string
}

// NewDetector creates a detector for the given tags. With no tags it uses
// the default vocabulary.
func NewDetector(tags ...string) *Detector {
	if len(tags) == 0 {
		tags = []string{TagChart, TagResearch, TagScene, TagComponentUpdate}
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return &Detector{tags: out}
}

// HasMarkers is a cheap pre-check used to skip the full scan on the common
// case of marker-free text.
func (d *Detector) HasMarkers(content string) bool {
	for _, tag := range d.tags {
		if strings.Contains(content, "["+tag+":"+markerVersion+"]") {
			return true
		}
	}
	return false
}

// Detect returns the markers found in content, in order of appearance,
// together with content with every matched span removed.
//
// A body that fails to decode as JSON drops that one marker; surrounding
// text and other markers are unaffected. An opening tag with no closing
// tag is left in the text untouched.
func (d *Detector) Detect(content string) ([]Marker, string) {
	if !d.HasMarkers(content) {
		return nil, content
	}

	type span struct {
		start, end int
		marker     *Marker
	}

	var spans []span
	for _, tag := range d.tags {
		open := "[" + tag + ":" + markerVersion + "]"
		closing := "[/" + tag + "]"

		from := 0
		for {
			i := strings.Index(content[from:], open)
			if i < 0 {
				break
			}
			i += from
			bodyStart := i + len(open)
			j := strings.Index(content[bodyStart:], closing)
			if j < 0 {
				// Unclosed tag: not a marker, leave it alone.
				break
			}
			bodyEnd := bodyStart + j
			from = bodyEnd + len(closing)

			raw := strings.TrimSpace(content[bodyStart:bodyEnd])
			var data map[string]any
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				// Invalid body: drop the directive but still strip the span
				// so broken JSON never reaches the user.
				spans = append(spans, span{start: i, end: from})
				continue
			}
			spans = append(spans, span{
				start:  i,
				end:    from,
				marker: &Marker{Tag: tag, Data: data, RawJSON: raw},
			})
		}
	}

	if len(spans) == 0 {
		return nil, content
	}

	// Order spans by position so markers come out in appearance order and
	// the rebuild below is a single pass.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	// One tag pair can enclose a complete marker of another tag. The
	// outer span wins; anything starting inside an already-claimed span
	// is discarded so the rebuild slices stay in bounds.
	kept := spans[:0]
	prevEnd := 0
	for _, sp := range spans {
		if sp.start < prevEnd {
			continue
		}
		kept = append(kept, sp)
		prevEnd = sp.end
	}
	spans = kept

	var markers []Marker
	var cleaned strings.Builder
	prev := 0
	for _, sp := range spans {
		cleaned.WriteString(content[prev:sp.start])
		prev = sp.end
		if sp.marker != nil {
			markers = append(markers, *sp.marker)
		}
	}
	cleaned.WriteString(content[prev:])

	return markers, cleaned.String()
}

// Tags returns the configured vocabulary.
func (d *Detector) Tags() []string {
	out := make([]string, len(d.tags))
	copy(out, d.tags)
	return out
}

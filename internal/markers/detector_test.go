package markers

import (
	"strings"
	"testing"
)

func TestDetect_SingleChartMarker(t *testing.T) {
	d := NewDetector()
	content := "[SHERLOCK_CHART:v1]\n{\"chart_type\":\"line\"}\n[/SHERLOCK_CHART]\nOk"

	found, cleaned := d.Detect(content)
	if len(found) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(found))
	}
	if found[0].Tag != TagChart {
		t.Fatalf("unexpected tag %q", found[0].Tag)
	}
	if found[0].Data["chart_type"] != "line" {
		t.Fatalf("unexpected data: %v", found[0].Data)
	}
	if cleaned != "\nOk" {
		t.Fatalf("unexpected cleaned content: %q", cleaned)
	}
}

func TestDetect_MultipleMarkersInOrder(t *testing.T) {
	d := NewDetector()
	content := "intro " +
		"[SHERLOCK_SCENE:v1]{\"scene\":\"lab\"}[/SHERLOCK_SCENE]" +
		" middle " +
		"[SHERLOCK_CHART:v1]{\"chart_type\":\"bar\"}[/SHERLOCK_CHART]" +
		" outro"

	found, cleaned := d.Detect(content)
	if len(found) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(found))
	}
	if found[0].Tag != TagScene || found[1].Tag != TagChart {
		t.Fatalf("markers out of appearance order: %s, %s", found[0].Tag, found[1].Tag)
	}
	if cleaned != "intro  middle  outro" {
		t.Fatalf("unexpected cleaned content: %q", cleaned)
	}
}

func TestDetect_InvalidJSONDropsOnlyThatMarker(t *testing.T) {
	d := NewDetector()
	content := "[SHERLOCK_CHART:v1]{not json}[/SHERLOCK_CHART]" +
		"keep " +
		"[SHERLOCK_RESEARCH:v1]{\"topic\":\"x\"}[/SHERLOCK_RESEARCH]"

	found, cleaned := d.Detect(content)
	if len(found) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(found))
	}
	if found[0].Tag != TagResearch {
		t.Fatalf("unexpected surviving marker: %s", found[0].Tag)
	}
	if cleaned != "keep " {
		t.Fatalf("unexpected cleaned content: %q", cleaned)
	}
}

func TestDetect_UnclosedTagLeftUntouched(t *testing.T) {
	d := NewDetector()
	content := "before [SHERLOCK_CHART:v1]{\"a\":1} after"

	found, cleaned := d.Detect(content)
	if len(found) != 0 {
		t.Fatalf("expected no markers, got %d", len(found))
	}
	if cleaned != content {
		t.Fatalf("unclosed tag was modified: %q", cleaned)
	}
}

func TestDetect_StrippedOutputIsFixedPoint(t *testing.T) {
	d := NewDetector()
	content := "a[SHERLOCK_SCENE:v1]{\"s\":1}[/SHERLOCK_SCENE]b" +
		"[SHERLOCK_COMPONENT_UPDATE:v1]{\"c\":2}[/SHERLOCK_COMPONENT_UPDATE]c"

	_, once := d.Detect(content)
	again, twice := d.Detect(once)
	if len(again) != 0 {
		t.Fatalf("second pass found %d markers", len(again))
	}
	if twice != once {
		t.Fatalf("second pass changed content: %q vs %q", twice, once)
	}
}

func TestDetect_MarkerEnclosedInAnotherTag(t *testing.T) {
	d := NewDetector()
	// The chart body contains a complete scene marker, so the chart span
	// encloses the scene span. The outer span's body is not valid JSON;
	// the whole outer span is stripped and the inner one discarded.
	content := "[SHERLOCK_CHART:v1]x[SHERLOCK_SCENE:v1]{\"s\":1}[/SHERLOCK_SCENE]y[/SHERLOCK_CHART]"

	found, cleaned := d.Detect(content)
	if len(found) != 0 {
		t.Fatalf("expected no markers, got %+v", found)
	}
	if cleaned != "" {
		t.Fatalf("unexpected cleaned content: %q", cleaned)
	}
}

func TestDetect_EnclosedMarkerWithSurroundingText(t *testing.T) {
	d := NewDetector()
	content := "before [SHERLOCK_RESEARCH:v1]" +
		"[SHERLOCK_CHART:v1]{\"chart_type\":\"pie\"}[/SHERLOCK_CHART]" +
		"[/SHERLOCK_RESEARCH] after " +
		"[SHERLOCK_SCENE:v1]{\"scene\":\"lab\"}[/SHERLOCK_SCENE]"

	found, cleaned := d.Detect(content)
	if len(found) != 1 || found[0].Tag != TagScene {
		t.Fatalf("expected only the standalone scene marker, got %+v", found)
	}
	if cleaned != "before  after " {
		t.Fatalf("unexpected cleaned content: %q", cleaned)
	}
}

func TestHasMarkers(t *testing.T) {
	d := NewDetector()
	if d.HasMarkers("plain text with [brackets] but no tags") {
		t.Fatal("false positive")
	}
	if !d.HasMarkers("x[SHERLOCK_CHART:v1]y") {
		t.Fatal("false negative")
	}
	// Wrong version is not a marker.
	if d.HasMarkers("x[SHERLOCK_CHART:v2]y") {
		t.Fatal("v2 should not match")
	}
}

func TestDetect_CustomVocabulary(t *testing.T) {
	d := NewDetector("CUSTOM_TAG")
	content := "[CUSTOM_TAG:v1]{\"k\":\"v\"}[/CUSTOM_TAG] and [SHERLOCK_CHART:v1]{}[/SHERLOCK_CHART]"

	found, cleaned := d.Detect(content)
	if len(found) != 1 || found[0].Tag != "CUSTOM_TAG" {
		t.Fatalf("unexpected markers: %+v", found)
	}
	if !strings.Contains(cleaned, "[SHERLOCK_CHART:v1]") {
		t.Fatalf("unknown tag should be left alone, got %q", cleaned)
	}
}

func TestDetect_NoMarkersReturnsInputUnchanged(t *testing.T) {
	d := NewDetector()
	content := "nothing to see here"
	found, cleaned := d.Detect(content)
	if found != nil || cleaned != content {
		t.Fatalf("unexpected result: %v, %q", found, cleaned)
	}
}

package cdn

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestReplicationCommentAppendsMarker(t *testing.T) {
	got := ReplicationComment("my distribution", 1700000000000)
	if got != "my distribution [Replication: 1700000000000]" {
		t.Fatalf("unexpected comment: %q", got)
	}
}

func TestReplicationCommentReplacesExistingMarker(t *testing.T) {
	got := ReplicationComment("my distribution [Replication: 1600000000000]", 1700000000000)
	if strings.Count(got, "[Replication:") != 1 {
		t.Fatalf("marker not replaced: %q", got)
	}
	if !strings.HasSuffix(got, "[Replication: 1700000000000]") {
		t.Fatalf("missing fresh marker: %q", got)
	}
}

func TestReplicationCommentTruncatesLongComments(t *testing.T) {
	long := strings.Repeat("x", 140)
	got := ReplicationComment(long, 1700000000000)
	if len(got) > 128 {
		t.Fatalf("comment exceeds limit: %d chars", len(got))
	}
	if !strings.HasSuffix(got, "[R:1700000000000]") {
		t.Fatalf("expected short marker form: %q", got)
	}
}

func TestReplicationCommentTruncatesOnRuneBoundary(t *testing.T) {
	// Three-byte runes that do not divide evenly into the 100-byte budget,
	// so a byte-offset cut would split one.
	long := strings.Repeat("日", 50)
	got := ReplicationComment(long, 1700000000000)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if len(got) > 128 {
		t.Fatalf("comment exceeds limit: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "[R:1700000000000]") {
		t.Fatalf("expected short marker form: %q", got)
	}
}

func TestStripReplicationMarkerHandlesAllForms(t *testing.T) {
	cases := map[string]string{
		"site [Replication: 123]":            "site",
		"site [R:123]":                       "site",
		"site [Lambda@Edge Associated: 123]": "site",
		"site":                               "site",
	}
	for in, want := range cases {
		if got := StripReplicationMarker(in); got != want {
			t.Fatalf("StripReplicationMarker(%q) = %q, want %q", in, got, want)
		}
	}
}

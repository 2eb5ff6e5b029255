package cdn

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// CloudFront rejects comments longer than 128 characters.
const maxCommentLength = 128

var replicationMarkers = []*regexp.Regexp{
	regexp.MustCompile(`\s*\[Replication:\s*\d+\]$`),
	regexp.MustCompile(`\s*\[R:\d+\]$`),
	regexp.MustCompile(`\s*\[Lambda@Edge Associated:\s*\d+\]$`),
}

// ReplicationComment returns the distribution comment carrying a fresh
// replication marker. Rewriting the comment is the benign config change that
// forces CloudFront to propagate an edge function association to all edge
// locations; any marker from a previous trigger is stripped first so the
// comment never grows unboundedly.
func ReplicationComment(current string, timestamp int64) string {
	base := StripReplicationMarker(current)
	comment := fmt.Sprintf("%s [Replication: %d]", base, timestamp)
	if len(comment) > maxCommentLength {
		base = truncate(base, 100)
		comment = fmt.Sprintf("%s [R:%d]", base, timestamp)
	}
	return comment
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// StripReplicationMarker removes any trailing replication marker.
func StripReplicationMarker(comment string) string {
	for _, re := range replicationMarkers {
		comment = re.ReplaceAllString(comment, "")
	}
	return strings.TrimRight(comment, " ")
}

package alert

import (
	"regexp"
	"strings"
)

// compileTopicPattern turns an MQTT-wildcard topic_pattern into a fully
// anchored regexp (spec.md 4.5: "Compile topic_pattern to a regex (+ →
// [^/]+, # → .*, full match)"). Literal regex metacharacters in the
// pattern's non-wildcard segments are escaped first so a topic segment
// like "temp.C" is matched literally rather than as a regex.
func compileTopicPattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, "/")

	// A trailing '#' also matches its own parent level (MQTT semantics:
	// "sport/#" matches "sport" as well as "sport/test"), so it expands to
	// an optional "/<anything>" suffix rather than a plain ".*" segment.
	trailingHash := len(segments) > 0 && segments[len(segments)-1] == "#"
	if trailingHash {
		segments = segments[:len(segments)-1]
	}

	parts := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "+" {
			parts[i] = `[^/]+`
		} else {
			parts[i] = regexp.QuoteMeta(seg)
		}
	}

	body := strings.Join(parts, "/")
	if trailingHash {
		body += `(/.*)?`
	}
	return regexp.Compile("^" + body + "$")
}

// Package acl implements the ACL Matcher (spec.md 4.8): a pure function
// deciding whether a topic may be published given a per-broker allow-list of
// MQTT-wildcard patterns. Grounded on the topic-matching idiom used by the
// teacher's MQTT hook layer (+ matches one segment, # matches the rest).
package acl

import "strings"

// Allowed reports whether topic matches any pattern in patterns, using MQTT
// wildcard semantics: "+" matches exactly one topic segment, "#" matches
// the remainder of the topic (must be the last segment of the pattern). An
// empty patterns list means deny-all (explicit read-only broker).
func Allowed(patterns []string, topic string) bool {
	for _, p := range patterns {
		if matchTopic(p, topic) {
			return true
		}
	}
	return false
}

// matchTopic reports whether topic matches the MQTT subscription pattern.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	for i, ps := range pSegs {
		switch ps {
		case "#":
			// '#' must be the last pattern segment and matches everything
			// remaining, including zero further segments.
			return i == len(pSegs)-1
		case "+":
			if i >= len(tSegs) {
				return false
			}
		default:
			if i >= len(tSegs) || ps != tSegs[i] {
				return false
			}
		}
	}

	// Pattern exhausted: only a match if topic is exhausted too (no
	// trailing '#' in pattern to absorb the remainder).
	return len(pSegs) == len(tSegs)
}

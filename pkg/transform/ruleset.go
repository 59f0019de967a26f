package transform

import (
	"strings"
	"sync/atomic"

	"github.com/getmockd/unshubd/pkg/acl"
)

// ruleStore holds the current RuleSet behind an atomic pointer so matching
// always observes a single, never-torn snapshot (spec.md 3 invariant: "The
// set of active rule matches for an incoming event must be computed from a
// single snapshot of the active version").
type ruleStore struct {
	ptr atomic.Pointer[RuleSet]
}

func newRuleStore() *ruleStore {
	s := &ruleStore{}
	s.ptr.Store(&RuleSet{})
	return s
}

// save atomically replaces the active rule set (spec.md 4.4:
// "saveMappings(newConfig) replaces the in-memory active version
// atomically").
func (s *ruleStore) save(rs *RuleSet) {
	s.ptr.Store(rs)
}

// current returns the live RuleSet snapshot.
func (s *ruleStore) current() *RuleSet {
	return s.ptr.Load()
}

// matchRules returns every rule in the active version whose
// source_topic pattern matches topic, in rule-list order (spec.md 4.4:
// "order of evaluation within an event is the rule list order").
func (s *ruleStore) matchRules(topic string) []Rule {
	rs := s.ptr.Load()
	active := rs.activeVersion()

	var matched []Rule
	for _, r := range active.Rules {
		if acl.Allowed([]string{r.SourceTopic}, topic) {
			matched = append(matched, r)
		}
	}
	return matched
}

// requiresStore reports whether any enabled target of a rule matching
// topic references the store-access sentinel (spec.md 4.2 step 5, 4.4:
// "rules_require_store"). The sentinel is the substring "db." rather than
// spec.md's literal "await db": the adopted expr-lang rule syntax has no
// async keyword, so db access is always a plain db.all(...)/db.get(...)
// call and "db." is the only textual fingerprint of it.
func (s *ruleStore) requiresStore(topic string) bool {
	for _, rule := range s.matchRules(topic) {
		for _, t := range rule.Targets {
			if !t.Enabled {
				continue
			}
			normalized := strings.Join(strings.Fields(t.Code), " ")
			if strings.Contains(normalized, "db.") {
				return true
			}
		}
	}
	return false
}

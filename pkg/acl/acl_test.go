package acl

import "testing"

func TestAllowed(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		topic    string
		want     bool
	}{
		{"empty deny-all", nil, "a/b", false},
		{"exact match", []string{"a/b"}, "a/b", true},
		{"plus wildcard", []string{"a/+/c"}, "a/b/c", true},
		{"plus does not cross segment", []string{"a/+"}, "a/b/c", false},
		{"hash matches rest", []string{"a/#"}, "a/b/c/d", true},
		{"hash matches zero segments", []string{"a/#"}, "a", true},
		{"hash only valid as last segment", []string{"a/#/c"}, "a/b/c", false},
		{"no match", []string{"x/#"}, "a/b", false},
		{"multiple patterns, one matches", []string{"x/#", "a/b"}, "a/b", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Allowed(c.patterns, c.topic); got != c.want {
				t.Errorf("Allowed(%v, %q) = %v, want %v", c.patterns, c.topic, got, c.want)
			}
		})
	}
}

func TestAllowed_PublishGate(t *testing.T) {
	// spec.md S5: publish=["a/#"], output "b/x" must be denied.
	if Allowed([]string{"a/#"}, "b/x") {
		t.Fatal("expected b/x to be denied by a/# allow-list")
	}
}

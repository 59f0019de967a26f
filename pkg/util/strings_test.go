package util

import "testing"

func TestTruncateSnippet(t *testing.T) {
	tests := []struct {
		name string
		data string
		n    int
		want string
	}{
		{"short string no truncation", "hello", 100, "hello"},
		{"exact length", "12345", 5, "12345"},
		{"one over", "123456", 5, "12345"},
		{"zero n uses default", "hello", 0, "hello"},
		{"negative n uses default", "hello", -1, "hello"},
		{"empty string", "", 10, ""},
		{"large truncation", "abcdefghij", 3, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateSnippet(tt.data, tt.n); got != tt.want {
				t.Fatalf("TruncateSnippet(%q, %d) = %q, want %q", tt.data, tt.n, got, tt.want)
			}
		})
	}
}

func TestTruncateSnippet_DefaultLen(t *testing.T) {
	data := make([]byte, DefaultSnippetLen+100)
	for i := range data {
		data[i] = 'x'
	}

	result := TruncateSnippet(string(data), 0)
	if len(result) != DefaultSnippetLen {
		t.Fatalf("expected result capped at %d bytes, got %d", DefaultSnippetLen, len(result))
	}

	short := string(data[:DefaultSnippetLen])
	if got := TruncateSnippet(short, 0); got != short {
		t.Fatalf("expected data at exactly the default cap to pass through unchanged")
	}
}

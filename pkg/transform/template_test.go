package transform

import "testing"

func TestRenderOutputTopic(t *testing.T) {
	cases := []struct {
		name string
		tpl  string
		data map[string]interface{}
		want string
	}{
		{
			name: "single placeholder",
			tpl:  "uns/{{cell}}/status",
			data: map[string]interface{}{"cell": "a"},
			want: "uns/a/status",
		},
		{
			name: "multiple placeholders",
			tpl:  "{{brokerId}}/{{topic}}/derived",
			data: map[string]interface{}{"brokerId": "b1", "topic": "sensors/room1"},
			want: "b1/sensors/room1/derived",
		},
		{
			name: "unresolved placeholder becomes empty",
			tpl:  "uns/{{missing}}/status",
			data: map[string]interface{}{},
			want: "uns//status",
		},
		{
			name: "no placeholders",
			tpl:  "uns/static/topic",
			data: map[string]interface{}{},
			want: "uns/static/topic",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := renderOutputTopic(tc.tpl, tc.data)
			if got != tc.want {
				t.Fatalf("renderOutputTopic(%q) = %q, want %q", tc.tpl, got, tc.want)
			}
		})
	}
}

package wa

import "testing"

func TestEnsurePrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		phone  string
		prefix string
		want   string
	}{
		{name: "adds prefix", phone: "11912345678", prefix: "55", want: "5511912345678"},
		{name: "already prefixed", phone: "5511912345678", prefix: "55", want: "5511912345678"},
		{name: "empty prefix", phone: "11912345678", prefix: "", want: "11912345678"},
		{name: "empty phone", phone: "", prefix: "55", want: "55"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := EnsurePrefix(tt.phone, tt.prefix); got != tt.want {
				t.Fatalf("EnsurePrefix(%q, %q) = %q, want %q", tt.phone, tt.prefix, got, tt.want)
			}
		})
	}
}

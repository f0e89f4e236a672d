package ratelimit

import "testing"

func TestKey(t *testing.T) {
	cases := []struct {
		routerID, userID, want string
	}{
		{"r1", "user-1", "rl:per-api-key:r1:user-1"},
		{"", "user-1", "rl:per-api-key:GLOBAL:user-1"},
	}
	for _, c := range cases {
		if got := Key(c.routerID, c.userID); got != c.want {
			t.Errorf("Key(%q, %q) = %q, want %q", c.routerID, c.userID, got, c.want)
		}
	}
}

package envutil

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Second},
		{"250", 250 * time.Millisecond},
		{"3s", 3 * time.Second},
		{"soon", time.Second},
	}
	for _, tc := range cases {
		t.Setenv("GENCLIENT_TEST_DURATION", tc.val)
		if got := Duration("GENCLIENT_TEST_DURATION", time.Second); got != tc.want {
			t.Fatalf("Duration(%q)=%s want %s", tc.val, got, tc.want)
		}
	}
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("GENCLIENT_TEST_BOOL", "yes")
	t.Setenv("GENCLIENT_TEST_INT", "x")
	if !Bool("GENCLIENT_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	if Int("GENCLIENT_TEST_INT", 7) != 7 {
		t.Fatalf("expected default on parse error")
	}
	if String("GENCLIENT_TEST_UNSET", "d") != "d" {
		t.Fatalf("expected default")
	}
}

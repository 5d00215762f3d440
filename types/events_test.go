package types

import "testing"

func TestDirectionString(t *testing.T) {
	cases := map[Direction]string{
		DirSend:     "send",
		DirRecv:     "recv",
		DirExecOnly: "exec-only",
		DirUnknown:  "unknown",
		Direction(99): "unknown",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Fatalf("Direction(%d).String() = %q, want %q", d, got, want)
		}
	}
}

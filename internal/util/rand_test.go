package util_test

import (
	"testing"
	"time"

	"github.com/ghettovoice/sipua/internal/util"
)

func TestRandString(t *testing.T) {
	t.Parallel()

	s := util.RandString(10)
	if got, want := len(s), 10; got != want {
		t.Fatalf("len(util.RandString(10)) = %d, want %d", got, want)
	}
	if s == util.RandString(10) {
		t.Fatalf("util.RandString(10) returned the same value twice: %q", s)
	}
}

func TestRandDuration(t *testing.T) {
	t.Parallel()

	for range 100 {
		d := util.RandDuration(2100*time.Millisecond, 4*time.Second)
		if d < 2100*time.Millisecond || d > 4*time.Second {
			t.Fatalf("util.RandDuration(2.1s, 4s) = %v, want value in range", d)
		}
	}
	if got, want := util.RandDuration(time.Second, time.Second), time.Second; got != want {
		t.Fatalf("util.RandDuration(1s, 1s) = %v, want %v", got, want)
	}
}

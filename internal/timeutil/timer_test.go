package timeutil_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipua/internal/timeutil"
)

func TestFakeClock_AdvanceOrder(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Unix(0, 0))

	var fired []string
	clk.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clk.AfterFunc(time.Second, func() {
		fired = append(fired, "a")
		clk.AfterFunc(time.Second, func() { fired = append(fired, "b") })
	})
	clk.AfterFunc(10*time.Second, func() { fired = append(fired, "late") })

	clk.Advance(5 * time.Second)

	if diff := cmp.Diff(fired, []string{"a", "b", "c"}); diff != "" {
		t.Fatalf("fired timers mismatch (-got +want):\n%v", diff)
	}
	if got, want := clk.Now(), time.Unix(5, 0); !got.Equal(want) {
		t.Fatalf("clk.Now() = %v, want %v", got, want)
	}
	if got, want := clk.Pending(), 1; got != want {
		t.Fatalf("clk.Pending() = %d, want %d", got, want)
	}
}

func TestFakeClock_StopReset(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Unix(0, 0))

	var n int
	tmr := clk.AfterFunc(time.Second, func() { n++ })
	if !tmr.Stop() {
		t.Fatal("tmr.Stop() = false, want true")
	}
	if tmr.Stop() {
		t.Fatal("second tmr.Stop() = true, want false")
	}
	clk.Advance(2 * time.Second)
	if n != 0 {
		t.Fatalf("callback calls = %d, want 0", n)
	}

	if tmr.Reset(time.Second) {
		t.Fatal("tmr.Reset() = true, want false")
	}
	clk.Advance(time.Second)
	if n != 1 {
		t.Fatalf("callback calls = %d, want 1", n)
	}
}

func TestWrapCallbacks(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Unix(0, 0))

	var wrapped, fired bool
	wclk := timeutil.WrapCallbacks(clk, func(f func()) {
		wrapped = true
		f()
	})
	wclk.AfterFunc(0, func() { fired = true })
	clk.Advance(0)

	if !wrapped || !fired {
		t.Fatalf("wrapped = %v, fired = %v, want both true", wrapped, fired)
	}
}

// Package timeutil provides the clock abstraction used by transactions and sessions.
//
// Every SIP timer in the stack is created through a [Clock], so tests can swap the
// wall clock for a [FakeClock] and drive retransmission and timeout behavior
// deterministically:
//
//	clk := timeutil.NewFakeClock(time.Unix(0, 0))
//	clk.AfterFunc(32*time.Second, func() { log.Println("timer B expired") })
//	clk.Advance(32 * time.Second) // callback runs synchronously here
package timeutil

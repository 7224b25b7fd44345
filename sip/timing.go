package sip

import "time"

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// TimeProvisional is the interval of non-100 provisional response retransmits, RFC 3261 Section 13.3.1.1.
	TimeProvisional = 60 * time.Second
)

// TimingConfig represents SIP timing config.
// Zero value uses default base values [T1], [T2], [T4] and assumes a reliable transport:
// timers D, I, J and K, whose only purpose is absorbing retransmissions over
// unreliable transports, are zero. Use [TimingConfig.WithUnreliable] to restore RFC values.
type TimingConfig struct {
	t1, t2, t4 time.Duration
	unreliable bool
}

// NewTimings creates a new SIP timing config with specified base values.
func NewTimings(t1, t2, t4 time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4}
}

// WithUnreliable returns a copy of the config with RFC durations for timers D, I, J and K.
func (c TimingConfig) WithUnreliable(v bool) TimingConfig {
	c.unreliable = v
	return c
}

// Unreliable reports whether the config targets an unreliable transport.
func (c TimingConfig) Unreliable() bool { return c.unreliable }

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// TimeB returns INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD is the wait duration for response retransmits.
// It is equal to [TimeD] for unreliable transport and zero otherwise.
func (c TimingConfig) TimeD() time.Duration {
	if c.unreliable {
		return TimeD
	}
	return 0
}

// TimeF returns non-INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns initial INVITE final response retransmit interval.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK retransmits.
// It is equal to [TimingConfig.T4] for unreliable transport and zero otherwise.
func (c TimingConfig) TimeI() time.Duration {
	if c.unreliable {
		return c.T4()
	}
	return 0
}

// TimeJ returns wait duration for non-INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1] for unreliable transport and zero otherwise.
func (c TimingConfig) TimeJ() time.Duration {
	if c.unreliable {
		return 64 * c.T1()
	}
	return 0
}

// TimeK returns wait duration for response retransmits.
// It is equal to [TimingConfig.T4] for unreliable transport and zero otherwise.
func (c TimingConfig) TimeK() time.Duration {
	if c.unreliable {
		return c.T4()
	}
	return 0
}

// TimeL returns the wait duration for accepted INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE or
// additional 2xx from other branches of a forked INVITE.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// TimeN returns the wait duration for the first NOTIFY after SUBSCRIBE, RFC 6665 Section 4.1.2.4.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeN() time.Duration { return 64 * c.T1() }

// TimeProvisional returns the interval of non-100 provisional response retransmits.
func (c TimingConfig) TimeProvisional() time.Duration { return TimeProvisional }

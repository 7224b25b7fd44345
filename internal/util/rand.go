// Package util holds random helpers for tags, branches and jitter.
package util

import (
	"crypto/rand"
	"math/big"
	"time"
)

const charset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randStr(n int, cs string) string {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = cs[b%byte(len(cs))]
	}
	return string(buf)
}

func RandString(n int) string {
	return randStr(n, charset)
}

func RandStringLC(n int) string {
	return randStr(n, charset[:36])
}

// RandInt returns a uniformly distributed integer in [lo, hi].
func RandInt(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo+1))
	if err != nil {
		panic(err)
	}
	return lo + n.Int64()
}

// RandDuration returns a uniformly distributed duration in [lo, hi] with millisecond granularity.
func RandDuration(lo, hi time.Duration) time.Duration {
	return time.Duration(RandInt(lo.Milliseconds(), hi.Milliseconds())) * time.Millisecond
}

package cellular

import (
	"time"
)

// encodeGPRSTimer3 encodes a requested periodic TAU duration into the
// 8-bit binary-string form +CPSMS expects for its periodic-TAU parameter
// (3GPP TS 24.008 GPRS Timer 3): a 3-bit unit selector followed by a 5-bit
// value (0-31), picking the coarsest unit that can still represent d
// without exceeding it.
func encodeGPRSTimer3(d time.Duration) string {
	units := []struct {
		bits string
		step time.Duration
	}{
		{"011", 2 * time.Second},
		{"100", 30 * time.Second},
		{"101", time.Minute},
		{"000", 10 * time.Minute},
		{"001", time.Hour},
		{"010", 10 * time.Hour},
		{"110", 320 * time.Hour},
	}
	if d <= 0 {
		return "11100000" // deactivated
	}
	best := units[len(units)-1]
	for _, u := range units {
		if d/u.step <= 31 {
			best = u
			break
		}
	}
	return best.bits + binary5(clampSteps(d, best.step))
}

// encodeGPRSTimer2 encodes a requested active-time duration into the
// 8-bit binary-string form +CPSMS expects for its active-time parameter
// (3GPP TS 24.008 GPRS Timer 2).
func encodeGPRSTimer2(d time.Duration) string {
	units := []struct {
		bits string
		step time.Duration
	}{
		{"000", 2 * time.Second},
		{"001", time.Minute},
		{"010", 6 * time.Minute},
	}
	if d <= 0 {
		return "11100000" // deactivated
	}
	best := units[len(units)-1]
	for _, u := range units {
		if d/u.step <= 31 {
			best = u
			break
		}
	}
	return best.bits + binary5(clampSteps(d, best.step))
}

func clampSteps(d, step time.Duration) int64 {
	n := int64(d / step)
	if n > 31 {
		return 31
	}
	if n < 0 {
		return 0
	}
	return n
}

func binary5(n int64) string {
	buf := [5]byte{}
	for i := 4; i >= 0; i-- {
		buf[i] = byte('0' + n&1)
		n >>= 1
	}
	return string(buf[:])
}

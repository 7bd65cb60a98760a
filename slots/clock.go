// Package slots converts between wall-clock time and beacon-chain slots.
package slots

import (
	"fmt"
	"time"
)

// SecondsPerSlot is fixed across the networks the relay runs on.
const SecondsPerSlot = 12

var genesisByNetwork = map[string]int64{
	"mainnet": 1606824023, // 2020-12-01T12:00:23Z
	"holesky": 1695902400, // 2023-09-28T12:00:00Z
	"hoodi":   1742213400, // 2025-03-17T12:10:00Z
}

// Clock maps slots to wall-clock time for a single network.
type Clock struct {
	genesis int64
}

func NewClock(network string) (Clock, error) {
	genesis, ok := genesisByNetwork[network]
	if !ok {
		return Clock{}, fmt.Errorf("unknown network %q", network)
	}
	return Clock{genesis: genesis}, nil
}

// Now returns the current slot.
func (c Clock) Now() uint64 {
	return c.AtTime(time.Now())
}

// AtTime returns the slot in progress at t. Times before genesis clamp to slot 0.
func (c Clock) AtTime(t time.Time) uint64 {
	secs := t.Unix() - c.genesis
	if secs < 0 {
		return 0
	}
	return uint64(secs) / SecondsPerSlot
}

// TimeOf returns the start time of slot s.
func (c Clock) TimeOf(s uint64) time.Time {
	return time.Unix(c.genesis+int64(s)*SecondsPerSlot, 0).UTC()
}

// Format renders a slot zero-padded to seven digits, the width used across
// relay dashboards and alerts.
func Format(s uint64) string {
	return fmt.Sprintf("%07d", s)
}

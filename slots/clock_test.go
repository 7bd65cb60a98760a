package slots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockRoundTrip(t *testing.T) {
	clock, err := NewClock("mainnet")
	require.NoError(t, err)

	for _, slot := range []uint64{0, 1, 100, 4939, 7_000_000, 123_456_789} {
		assert.Equal(t, slot, clock.AtTime(clock.TimeOf(slot)), "slot %d", slot)
	}

	// mid-slot times still resolve to the same slot
	assert.Equal(t, uint64(100), clock.AtTime(clock.TimeOf(100).Add(11*time.Second)))
	assert.Equal(t, uint64(101), clock.AtTime(clock.TimeOf(100).Add(12*time.Second)))
}

func TestClockBeforeGenesis(t *testing.T) {
	clock, err := NewClock("hoodi")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), clock.AtTime(clock.TimeOf(0).Add(-time.Hour)))
}

func TestClockGenesis(t *testing.T) {
	clock, err := NewClock("mainnet")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 12, 1, 12, 0, 23, 0, time.UTC), clock.TimeOf(0))

	clock, err = NewClock("holesky")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 9, 28, 12, 0, 0, 0, time.UTC), clock.TimeOf(0))

	clock, err = NewClock("hoodi")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 17, 12, 10, 0, 0, time.UTC), clock.TimeOf(0))

	_, err = NewClock("sepolia")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0000100", Format(100))
	assert.Equal(t, "1234567", Format(1234567))
	assert.Equal(t, "12345678", Format(12345678))
}

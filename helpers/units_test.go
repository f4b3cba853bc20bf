package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLotsToVolume(t *testing.T) {
	assert.Equal(t, int64(1_000_000), LotsToVolume(0.1))
	assert.Equal(t, int64(10_000_000), LotsToVolume(1))
	assert.Equal(t, int64(100_000), LotsToVolume(0.01))
	assert.InDelta(t, 0.1, VolumeToLots(LotsToVolume(0.1)), 1e-9)
}

func TestScaleMoney(t *testing.T) {
	assert.InDelta(t, -1000.0, ScaleMoney(-100000, 2), 1e-9)
	assert.InDelta(t, 12.345, ScaleMoney(12345, 3), 1e-9)
	assert.InDelta(t, 7.0, ScaleMoney(7, 0), 1e-9)
}

func TestPips(t *testing.T) {
	assert.InDelta(t, 12.0, Pips(1.1000, 1.1012, 0.0001, true), 1e-9)
	assert.InDelta(t, -12.0, Pips(1.1000, 1.1012, 0.0001, false), 1e-9)
	assert.Zero(t, Pips(1.1, 1.2, 0, true))
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "1,234.50", FormatMoney(1234.5))
	assert.Equal(t, "-1,000,000.00", FormatMoney(-1_000_000))
	assert.Equal(t, "0.99", FormatMoney(0.99))
}

func TestIDs(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	require.Len(t, a, 26)
	assert.Less(t, a, b)
	assert.Len(t, NewRecordUUID(), 36)
}

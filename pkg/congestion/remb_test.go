package congestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestREMBRoundTrip(t *testing.T) {
	cases := []uint64{0, 1000, 500_000, 2_000_000, 8_000_000, 1<<18 - 1, 1 << 30}
	for _, original := range cases {
		raw, err := EncodeREMB(0x1234, []uint32{0x5678}, original)
		require.NoError(t, err)

		decoded, err := DecodeREMB(raw)
		require.NoError(t, err)

		var diff uint64
		if decoded > original {
			diff = decoded - original
		} else {
			diff = original - decoded
		}
		maxErr := original/(1<<18) + 1
		assert.LessOrEqualf(t, diff, maxErr, "original=%d decoded=%d", original, decoded)
	}
}

func TestREMBSentinelsSurviveRoundTrip(t *testing.T) {
	for _, sentinel := range []uint64{REMBHintDecrease, REMBHintIncrease} {
		raw, err := EncodeREMB(1, []uint32{2}, sentinel)
		require.NoError(t, err)
		decoded, err := DecodeREMB(raw)
		require.NoError(t, err)
		assert.Equal(t, sentinel, decoded)
	}
}

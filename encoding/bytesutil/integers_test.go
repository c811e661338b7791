package bytesutil_test

import (
	"bytes"
	"testing"

	"github.com/synapse-ng/synapse-ng/encoding/bytesutil"
	"github.com/synapse-ng/synapse-ng/testing/assert"
)

func TestUint64BigEndian_RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 1 << 32, 1<<64 - 1} {
		raw := bytesutil.Uint64ToBytesBigEndian(v)
		assert.Equal(t, 8, len(raw))
		assert.Equal(t, v, bytesutil.BytesToUint64BigEndian(raw))
	}
}

func TestBytesToUint64BigEndian_ShortInput(t *testing.T) {
	assert.Equal(t, uint64(0), bytesutil.BytesToUint64BigEndian(nil), "missing key reads as zero")
	assert.Equal(t, uint64(0), bytesutil.BytesToUint64BigEndian([]byte{1, 2, 3}))
}

func TestUint64ToBytesBigEndian_OrderPreserving(t *testing.T) {
	// The dispatch cursor relies on byte order matching numeric order.
	a := bytesutil.Uint64ToBytesBigEndian(41)
	b := bytesutil.Uint64ToBytesBigEndian(42)
	assert.Equal(t, -1, bytes.Compare(a, b))
}

package canonical

import (
	"testing"

	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func TestMarshal_SortsMapKeys(t *testing.T) {
	b, err := Marshal(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(b))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]string{"q": "a<b&c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b&c>d"}`, string(b))
}

func TestHash_IndependentOfInsertionOrder(t *testing.T) {
	first := map[string]interface{}{}
	first["b"] = 2
	first["a"] = 1
	second := map[string]interface{}{}
	second["a"] = 1
	second["b"] = 2

	h1, err := Hash(first)
	require.NoError(t, err)
	h2, err := Hash(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "equal values must hash identically regardless of construction order")

	second["b"] = 3
	h3, err := Hash(second)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestRoundTrip(t *testing.T) {
	type record struct {
		ID   string            `json:"id"`
		Tags []string          `json:"tags,omitempty"`
		Meta map[string]string `json:"meta,omitempty"`
	}
	in := record{ID: "r1", Tags: []string{"x", "y"}, Meta: map[string]string{"k": "v"}}
	b, err := Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(b, &out))
	assert.DeepEqual(t, in, out)
}

func TestHashBytes(t *testing.T) {
	// sha256 of the empty input, a fixed point worth pinning.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
	assert.NotEqual(t, HashBytes([]byte("a")), HashBytes([]byte("b")))
}

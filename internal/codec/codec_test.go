package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	docs := []Document{
		{},
		{"name": "alice", "age": int64(30)},
		{"nested": Document{"a": int64(1), "b": []any{int64(1), "two", 3.5, nil, true}}},
		{"null": nil, "flag": false},
	}

	for _, d := range docs {
		b, err := Encode(d)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		assert.True(t, Equal(d, got), "round trip mismatch: %v vs %v", d, got)
	}
}

func TestEncodeIsKeyOrderStable(t *testing.T) {
	a := Document{"b": int64(2), "a": int64(1)}
	b := Document{"a": int64(1), "b": int64(2)}

	ea, err := Encode(a)
	require.NoError(t, err)
	eb, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestEqualDetectsDifference(t *testing.T) {
	a := Document{"x": int64(1)}
	b := Document{"x": int64(2)}
	assert.False(t, Equal(a, b))
}

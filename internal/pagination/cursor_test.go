package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	token, err := Encode(Cursor{Seq: 42})
	require.NoError(t, err)
	assert.NotContains(t, token, "=")

	c, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.Seq)
	assert.False(t, c.IsZero())
}

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("%%%")
	assert.EqualError(t, err, "invalid pagination token")

	_, err = Decode("bm90LWpzb24")
	assert.EqualError(t, err, "invalid pagination token")
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(1000))
}

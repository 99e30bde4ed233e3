package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	encoded := Cursor{CreatedAt: ts, ID: "agt_abc123"}.Encode()
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, "agt_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|agt_1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_After(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: base, ID: "agt_m"}

	assert.True(t, c.After(base.Add(-time.Second), "agt_z"))
	assert.False(t, c.After(base.Add(time.Second), "agt_a"))
	assert.True(t, c.After(base, "agt_a"))
	assert.False(t, c.After(base, "agt_m"))
	assert.False(t, c.After(base, "agt_z"))

	var first *Cursor
	assert.True(t, first.After(base, "anything"))
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, next := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, result, 3)
	assert.Empty(t, next)
}

func TestComputePage_HasMore(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []string{"a", "b", "c", "d"}
	result, next := ComputePage(items, 3, func(s string) (time.Time, string) {
		return ts, s
	})
	assert.Equal(t, []string{"a", "b", "c"}, result)
	require.NotEmpty(t, next)

	cursor, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", cursor.ID)
	assert.True(t, ts.Equal(cursor.CreatedAt))
}

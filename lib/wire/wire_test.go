package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsInOrder(t *testing.T) {
	w := NewWriter(64)
	w.Bool(true)
	w.Byte(0x7f)
	w.Int32(-2)
	w.Int64(-3)
	w.Uint64(1 << 63)
	w.String("map")
	w.Blob(nil)
	w.NullableBlob(nil)
	w.NullableBlob([]byte{})

	r := NewReader(w.Bytes())
	assert.True(t, r.Bool("flag"))
	assert.Equal(t, byte(0x7f), r.Byte("byte"))
	assert.Equal(t, int32(-2), r.Int32("i32"))
	assert.Equal(t, int64(-3), r.Int64("i64"))
	assert.Equal(t, uint64(1<<63), r.Uint64("u64"))
	assert.Equal(t, "map", r.String("name"))

	empty := r.Blob("blob")
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	assert.Nil(t, r.NullableBlob("absent"))
	present := r.NullableBlob("present")
	assert.NotNil(t, present, "an empty value must stay distinguishable from no value")
	assert.Empty(t, present)

	require.NoError(t, r.Err)
	assert.Equal(t, 0, r.Remaining())
}

func TestBigEndianLayout(t *testing.T) {
	w := NewWriter(0)
	w.Int32(1)
	w.String("ab")
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 2, 'a', 'b'}, w.Bytes())
}

func TestTruncatedDataIsSticky(t *testing.T) {
	w := NewWriter(0)
	w.String("hello")
	data := w.Bytes()[:6]

	r := NewReader(data)
	assert.Equal(t, "", r.String("name"))
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "name")

	first := r.Err
	assert.Equal(t, int32(0), r.Int32("next"))
	assert.Same(t, first, r.Err)
}

func TestBlobIsCopied(t *testing.T) {
	w := NewWriter(0)
	w.Blob([]byte("abc"))
	data := w.Bytes()

	v := NewReader(data).Blob("v")
	data[4] = 'x'
	assert.Equal(t, []byte("abc"), v)
}

func TestFlagMustBeZeroOrOne(t *testing.T) {
	r := NewReader([]byte{0, 1})
	assert.False(t, r.Bool("a"))
	assert.True(t, r.Bool("b"))
	require.NoError(t, r.Err)

	r = NewReader([]byte{2, 0, 0, 0, 1, 'x'})
	assert.Nil(t, r.NullableBlob("value"))
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "value presence")
}

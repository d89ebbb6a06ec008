package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteQueue_ReadWithinHead(t *testing.T) {
	var q byteQueue
	chunk := []byte("abcdef")
	q.push(chunk)

	got := q.read(2)
	assert.Equal(t, []byte("ab"), got)
	assert.Equal(t, 4, q.buffered)

	// Zero copy: the result aliases the pushed chunk.
	chunk[0] = 'X'
	assert.Equal(t, byte('X'), got[0])

	// Appending to a result must not clobber queued bytes.
	_ = append(got, 'Z')
	assert.Equal(t, []byte("cdef"), q.read(4))
	assert.Equal(t, 0, q.buffered)
	assert.Empty(t, q.chunks)
}

func TestByteQueue_ReadExactHead(t *testing.T) {
	var q byteQueue
	q.push([]byte("ab"))
	q.push([]byte("cd"))

	assert.Equal(t, []byte("ab"), q.read(2))
	assert.Len(t, q.chunks, 1)
	assert.Equal(t, 2, q.buffered)
}

func TestByteQueue_ReadAcrossChunks(t *testing.T) {
	var q byteQueue
	q.push([]byte("a"))
	q.push([]byte("bc"))
	q.push([]byte("defg"))
	require.Equal(t, 7, q.buffered)

	assert.Equal(t, []byte("abcde"), q.read(5))
	assert.Equal(t, 2, q.buffered)
	assert.Equal(t, []byte("fg"), q.read(2))
	assert.Equal(t, 0, q.buffered)
}

func TestByteQueue_Invariant(t *testing.T) {
	var q byteQueue
	sizes := []int{3, 1, 7, 2, 9}
	total := 0
	for i, n := range sizes {
		b := make([]byte, n)
		for j := range b {
			b[j] = byte(i*16 + j)
		}
		q.push(b)
		total += n
	}
	q.push(nil)

	var out []byte
	for _, n := range []int{2, 5, 1, 10, 4} {
		out = append(out, q.read(n)...)
		total -= n

		sum := 0
		for _, c := range q.chunks {
			sum += len(c)
		}
		require.Equal(t, total, q.buffered)
		require.Equal(t, sum, q.buffered)
	}

	// Order preserved across every split.
	assert.Equal(t, []byte{0, 1, 2, 16, 32, 33, 34, 35, 36, 37, 38, 48, 49, 64, 65, 66, 67, 68, 69, 70, 71, 72}, out)
}

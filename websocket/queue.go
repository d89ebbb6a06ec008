package websocket

// byteQueue holds received chunks that the Decoder has not consumed yet.
//
// Invariant: buffered == sum(len(chunks[i])).
type byteQueue struct {
	chunks   [][]byte
	buffered int
}

// push appends a chunk. The queue takes ownership of chunk.
func (q *byteQueue) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.chunks = append(q.chunks, chunk)
	q.buffered += len(chunk)
}

func (q *byteQueue) has(n int) bool {
	return q.buffered >= n
}

// read consumes n bytes, n <= buffered.
//
// When the head chunk covers n the result is a sub-slice of it (no copy);
// otherwise the bytes are copied across chunk boundaries into one new buffer.
func (q *byteQueue) read(n int) []byte {
	q.buffered -= n

	head := q.chunks[0]
	if n == len(head) {
		q.shift()
		return head
	}
	if n < len(head) {
		q.chunks[0] = head[n:]
		return head[:n:n]
	}

	dst := make([]byte, n)
	off := 0
	for off < n {
		head = q.chunks[0]
		c := copy(dst[off:], head)
		off += c
		if c == len(head) {
			q.shift()
		} else {
			q.chunks[0] = head[c:]
		}
	}
	return dst
}

func (q *byteQueue) shift() {
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	if len(q.chunks) == 0 {
		q.chunks = nil
	}
}

// reset drops every queued chunk.
func (q *byteQueue) reset() {
	q.chunks = nil
	q.buffered = 0
}

package evcc

import (
	"bytes"
	"fmt"
)

// limitedBuffer accumulates response bytes up to a fixed capacity. It never
// grows past limit: an append that would exceed it is rejected whole.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newLimitedBuffer(limit int) *limitedBuffer {
	b := &limitedBuffer{limit: limit}
	b.buf.Grow(min(limit, 1024))
	return b
}

// Write implements io.Writer. It returns ErrResponseTooLarge when p does not
// fit in the remaining capacity.
func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > b.limit {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, b.limit)
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Len() int {
	return b.buf.Len()
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

package smalloc

import "io"

// Buffer is a growable scatter-gather byte buffer built from chunks obtained
// through the allocator: a convenient io.Writer/io.Reader/io.ReaderFrom over
// a sequence of fixed-size allocations instead of one big one.
type Buffer struct {
	al        *SmallAlloc
	chunkSize uint64
	chunks    []Ptr
	woff      int64
	roff      int64
}

// NewBuffer returns an empty Buffer that grows chunkSize bytes at a time.
func NewBuffer(al *SmallAlloc, chunkSize uint64) *Buffer {
	return &Buffer{al: al, chunkSize: chunkSize}
}

func (b *Buffer) Cap() int64 { return int64(len(b.chunks)) * int64(b.chunkSize) }
func (b *Buffer) Len() int64 { return b.woff - b.roff }
func (b *Buffer) Size() int64 { return b.woff }

func (b *Buffer) grow(toSize int64) error {
	for b.Cap() < toSize {
		ptr, err := b.al.Alloc(b.chunkSize)
		if err != nil {
			return err
		}
		// a wider sibling pool may serve the request; use exactly chunkSize
		// bytes of it so that offset/chunkSize always names the right chunk
		ptr.buf = ptr.buf[:b.chunkSize]
		b.chunks = append(b.chunks, ptr)
	}
	return nil
}

// Write appends p, growing the buffer by whole chunks as needed.
func (b *Buffer) Write(p []byte) (n int, err error) {
	need := b.woff + int64(len(p))
	if need > b.Cap() {
		if err := b.grow(need); err != nil {
			return 0, err
		}
	}
	idx, off := b.woff/int64(b.chunkSize), b.woff%int64(b.chunkSize)
	wlen := len(p)
	poff := 0
	for wlen > 0 {
		buf := b.chunks[idx].Bytes()
		size := int64(len(buf)) - off
		if size > int64(wlen) {
			size = int64(wlen)
		}
		copy(buf[off:], p[poff:poff+int(size)])
		b.woff += size
		idx++
		off = 0
		wlen -= int(size)
		poff += int(size)
	}
	return len(p), nil
}

// Read reads from the buffer's current read offset, which Write never
// moves, so written bytes are read back in order. Reset rewinds the write
// offset too, so after Reset there is nothing left to read.
func (b *Buffer) Read(p []byte) (n int, err error) {
	if b.roff >= b.woff {
		return 0, io.EOF
	}
	idx, off := b.roff/int64(b.chunkSize), b.roff%int64(b.chunkSize)
	size := b.woff - b.roff
	if int64(len(p)) < size {
		size = int64(len(p))
	}
	buf := b.chunks[idx].Bytes()
	n = copy(p[:size], buf[off:])
	b.roff += int64(n)
	for int64(n) < size && idx < int64(len(b.chunks)-1) {
		idx++
		buf = b.chunks[idx].Bytes()
		m := copy(p[n:int(size)], buf)
		b.roff += int64(m)
		n += m
	}
	return n, nil
}

// ReadFrom reads from r until it returns io.EOF, growing the buffer by
// whole chunks as needed and copying directly into each chunk's bytes.
func (b *Buffer) ReadFrom(r io.Reader) (n int64, err error) {
	for {
		if b.woff >= b.Cap() {
			if err := b.grow(b.woff + int64(b.chunkSize)); err != nil {
				return n, err
			}
		}
		idx, off := b.woff/int64(b.chunkSize), b.woff%int64(b.chunkSize)
		buf := b.chunks[idx].Bytes()
		m, rerr := r.Read(buf[off:])
		b.woff += int64(m)
		n += int64(m)
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// Reset rewinds both read and write offsets without releasing chunks.
func (b *Buffer) Reset() { b.woff, b.roff = 0, 0 }

// Free returns every chunk to the allocator through FreeDelayed, so a
// Buffer freed while the allocator is in DelayedFree mode is quarantined
// like any other allocation.
func (b *Buffer) Free() {
	for _, c := range b.chunks {
		b.al.FreeDelayed(c, b.chunkSize)
	}
	b.chunks = nil
	b.woff, b.roff = 0, 0
}

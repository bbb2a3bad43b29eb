package domain

import (
	"bytes"
	"io"
	"sync"
)

// Payload owns the bytes of a file entry and the readers derived from it.
// Readers may be used from any goroutine; Release invalidates all of them.
type Payload struct {
	mu       sync.Mutex
	data     []byte
	readers  map[*payloadReader]struct{}
	released bool
}

func NewPayload(data []byte) *Payload {
	return &Payload{
		data:    data,
		readers: make(map[*payloadReader]struct{}),
	}
}

// Bytes returns the buffer, or nil once released. Callers must not modify it.
func (p *Payload) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// View returns the buffer for reading, or ErrPayloadReleased.
func (p *Payload) View() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrPayloadReleased
	}
	return p.data, nil
}

func (p *Payload) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

func (p *Payload) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Open returns a reader over the payload.
func (p *Payload) Open() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrPayloadReleased
	}
	r := &payloadReader{owner: p, r: bytes.NewReader(p.data)}
	p.readers[r] = struct{}{}
	return r, nil
}

func (p *Payload) OpenReaders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.readers)
}

func (p *Payload) Release() {
	p.mu.Lock()
	readers := p.readers
	p.readers = make(map[*payloadReader]struct{})
	p.data = nil
	p.released = true
	p.mu.Unlock()

	for r := range readers {
		r.invalidate()
	}
}

func (p *Payload) forget(r *payloadReader) {
	p.mu.Lock()
	delete(p.readers, r)
	p.mu.Unlock()
}

type payloadReader struct {
	owner  *Payload
	mu     sync.Mutex
	r      *bytes.Reader
	closed bool
}

func (r *payloadReader) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrPayloadReleased
	}
	return r.r.Read(b)
}

func (r *payloadReader) Close() error {
	r.invalidate()
	r.owner.forget(r)
	return nil
}

func (r *payloadReader) invalidate() {
	r.mu.Lock()
	r.closed = true
	r.r = nil
	r.mu.Unlock()
}

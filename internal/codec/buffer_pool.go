package codec

import (
	"sync"
	"sync/atomic"
)

// BufferPool pools byte buffers in two size classes: small ones for the
// envelope header, AEAD nonce and salt, and chunk-sized ones for full
// payloads. Chunk buffers can run from 1MiB to 1GiB, so recycling them
// matters far more than the small class.
type BufferPool struct {
	poolSmall *sync.Pool // <=64 bytes: nonces, salts, tags, headers
	poolChunk *sync.Pool // chunk-sized buffers

	chunkSize int

	hitsSmall, missesSmall int64
	hitsChunk, missesChunk int64
}

// NewBufferPool creates a pool whose chunk-sized class matches chunkSize.
// The pools have no New func so a drained pool registers as a miss.
func NewBufferPool(chunkSize int) *BufferPool {
	return &BufferPool{
		chunkSize: chunkSize,
		poolSmall: &sync.Pool{},
		poolChunk: &sync.Pool{},
	}
}

// Get returns a buffer of at least size bytes from the matching class.
func (p *BufferPool) Get(size int) []byte {
	if size <= 64 {
		return p.getSmall()[:size]
	}
	if size <= p.chunkSize+64 {
		buf := p.getChunk()
		if cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the pool if it matches a known class, zeroing it first
// so plaintext or key material does not linger for the next borrower.
func (p *BufferPool) Put(buf []byte) {
	full := buf[:cap(buf)]
	for i := range full {
		full[i] = 0
	}
	switch {
	case cap(buf) == 64:
		p.poolSmall.Put(full[:64])
	case cap(buf) >= p.chunkSize:
		p.poolChunk.Put(full[:p.chunkSize])
	}
}

func (p *BufferPool) getSmall() []byte {
	if buf := p.poolSmall.Get(); buf != nil {
		atomic.AddInt64(&p.hitsSmall, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.missesSmall, 1)
	return make([]byte, 64)
}

func (p *BufferPool) getChunk() []byte {
	if buf := p.poolChunk.Get(); buf != nil {
		atomic.AddInt64(&p.hitsChunk, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.missesChunk, 1)
	return make([]byte, p.chunkSize)
}

// Metrics reports pool hit/miss counters for the backup engine's gauges.
type Metrics struct {
	HitsSmall, MissesSmall int64
	HitsChunk, MissesChunk int64
}

// Metrics returns a snapshot of the pool's hit/miss counters.
func (p *BufferPool) Metrics() Metrics {
	return Metrics{
		HitsSmall:   atomic.LoadInt64(&p.hitsSmall),
		MissesSmall: atomic.LoadInt64(&p.missesSmall),
		HitsChunk:   atomic.LoadInt64(&p.hitsChunk),
		MissesChunk: atomic.LoadInt64(&p.missesChunk),
	}
}

// HitRate returns the chunk-class hit rate, or 0 before any chunk-class
// acquisition.
func (m Metrics) HitRate() float64 {
	total := m.HitsChunk + m.MissesChunk
	if total == 0 {
		return 0
	}
	return float64(m.HitsChunk) / float64(total)
}

package codec

import (
	"bytes"
	"context"
	"fmt"
	"testing"
)

func TestRunEncodeDecodePipeline_RoundTrip(t *testing.T) {
	ctx := context.Background()
	const n = 20

	items := make(chan EncodeItem, n)
	plaintexts := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("chunk-%02d", i)
		pt := bytes.Repeat([]byte{byte(i)}, 100+i)
		plaintexts[id] = pt
		items <- EncodeItem{Index: i, ChunkID: id, Plaintext: pt}
	}
	close(items)

	blobs := make(map[string][]byte, n)
	for res := range RunEncodePipeline(ctx, items, 4, Options{}) {
		if res.Err != nil {
			t.Fatalf("encode %s: %v", res.ChunkID, res.Err)
		}
		blobs[res.ChunkID] = res.Blob
	}
	if len(blobs) != n {
		t.Fatalf("expected %d encode results, got %d", n, len(blobs))
	}

	decodeItems := make(chan DecodeItem, n)
	i := 0
	for id, blob := range blobs {
		decodeItems <- DecodeItem{Index: i, ChunkID: id, Blob: blob}
		i++
	}
	close(decodeItems)

	decoded := 0
	for res := range RunDecodePipeline(ctx, decodeItems, 4, Options{}) {
		if res.Err != nil {
			t.Fatalf("decode %s: %v", res.ChunkID, res.Err)
		}
		if !bytes.Equal(res.Plaintext, plaintexts[res.ChunkID]) {
			t.Errorf("decoded plaintext for %s does not match original", res.ChunkID)
		}
		decoded++
	}
	if decoded != n {
		t.Fatalf("expected %d decode results, got %d", n, decoded)
	}
}

func TestRunDecodePipeline_SurfacesPerItemErrors(t *testing.T) {
	ctx := context.Background()

	items := make(chan DecodeItem, 2)
	items <- DecodeItem{Index: 0, ChunkID: "bad", Blob: []byte{0xFF, 0xFF, 0xFF}}
	good, err := Encode([]byte("fine"), "good", Options{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	items <- DecodeItem{Index: 1, ChunkID: "good", Blob: good}
	close(items)

	var failed, ok int
	for res := range RunDecodePipeline(ctx, items, 2, Options{}) {
		if res.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Errorf("expected 1 failed and 1 ok result, got failed=%d ok=%d", failed, ok)
	}
}

func TestRunEncodePipeline_CancellationClosesResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	items := make(chan EncodeItem) // unbuffered, never closed by us
	results := RunEncodePipeline(ctx, items, 2, Options{})
	cancel()

	// the results channel must close after cancellation even though the
	// items channel is still open
	for range results {
	}
}

func TestBufferPool_RoundTrip(t *testing.T) {
	pool := NewBufferPool(1024)

	small := pool.Get(12)
	if len(small) != 12 {
		t.Fatalf("expected len 12, got %d", len(small))
	}
	small[0] = 0xAB
	pool.Put(small)

	chunk := pool.Get(1024)
	if len(chunk) != 1024 {
		t.Fatalf("expected len 1024, got %d", len(chunk))
	}
	chunk[0] = 0xCD
	pool.Put(chunk)

	// a recycled buffer must come back zeroed
	again := pool.Get(1024)
	for i, b := range again {
		if b != 0 {
			t.Fatalf("expected recycled buffer to be zeroed, byte %d = %x", i, b)
		}
	}

	huge := pool.Get(1 << 20)
	if len(huge) != 1<<20 {
		t.Fatalf("expected oversized request to be satisfied, got len %d", len(huge))
	}
}

func TestBufferPool_Metrics(t *testing.T) {
	pool := NewBufferPool(256)
	buf := pool.Get(256)
	pool.Put(buf)
	pool.Get(256)

	m := pool.Metrics()
	if m.HitsChunk+m.MissesChunk < 2 {
		t.Errorf("expected at least 2 chunk-class acquisitions recorded, got hits=%d misses=%d", m.HitsChunk, m.MissesChunk)
	}
	if rate := m.HitRate(); rate < 0 || rate > 1 {
		t.Errorf("expected hit rate in [0,1], got %f", rate)
	}
}

package codec

import (
	"context"
	"sync"
)

// Semaphore-gated dispatch: a buffered results channel sized 2x concurrency
// for read-ahead and a semaphore channel bounding in-flight work. Pipelines
// whole-chunk codec operations across the chunks of one backup or restore.

// EncodeItem is one plaintext chunk awaiting encoding.
type EncodeItem struct {
	Index     int
	ChunkID   string
	Plaintext []byte
}

// EncodeResult is the encoded blob for one chunk, paired with its original
// index so callers can correlate it back to EncodeItem order if needed.
type EncodeResult struct {
	Index   int
	ChunkID string
	Blob    []byte
	Err     error
}

// RunEncodePipeline encodes items concurrently, bounded to concurrency
// in-flight jobs at once, and streams results back in the order workers
// finish, not necessarily input order; callers that need input order key
// results by Index.
func RunEncodePipeline(ctx context.Context, items <-chan EncodeItem, concurrency int, opts Options) <-chan EncodeResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make(chan EncodeResult, concurrency*2)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	go func() {
		// in-flight workers must drain before results closes
		defer func() {
			wg.Wait()
			close(results)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-items:
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				go func(it EncodeItem) {
					defer wg.Done()
					defer func() { <-sem }()
					blob, err := Encode(it.Plaintext, it.ChunkID, opts)
					select {
					case results <- EncodeResult{Index: it.Index, ChunkID: it.ChunkID, Blob: blob, Err: err}:
					case <-ctx.Done():
					}
				}(item)
			}
		}
	}()

	return results
}

// DecodeItem is one blob awaiting decoding during restore.
type DecodeItem struct {
	Index   int
	ChunkID string
	Blob    []byte
}

// DecodeResult is the recovered plaintext for one chunk.
type DecodeResult struct {
	Index     int
	ChunkID   string
	Plaintext []byte
	Err       error
}

// RunDecodePipeline mirrors RunEncodePipeline for the restore path.
func RunDecodePipeline(ctx context.Context, items <-chan DecodeItem, concurrency int, opts Options) <-chan DecodeResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make(chan DecodeResult, concurrency*2)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	go func() {
		defer func() {
			wg.Wait()
			close(results)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-items:
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				go func(it DecodeItem) {
					defer wg.Done()
					defer func() { <-sem }()
					plaintext, err := Decode(it.Blob, it.ChunkID, opts)
					select {
					case results <- DecodeResult{Index: it.Index, ChunkID: it.ChunkID, Plaintext: plaintext, Err: err}:
					case <-ctx.Done():
					}
				}(item)
			}
		}
	}()

	return results
}

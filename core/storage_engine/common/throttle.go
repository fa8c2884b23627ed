// Package common holds byte-copy helpers shared by the storage tiers and the movers.
package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize bounds a single read and is the burst of the limiter.
const chunkSize = 4 * 1024 * 1024 // 4 MiB

// NewLimiter returns a byte-rate limiter, or nil when bytesPerSecond is not positive.
func NewLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), chunkSize)
}

// ThrottledReader limits the throughput of an underlying reader and keeps a
// running sha256 of everything read.
type ThrottledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	sum     hash.Hash
	n       int64
}

// NewThrottledReader wraps r. A nil limiter only checksums.
func NewThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, r: r, limiter: limiter, sum: sha256.New()}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		// throttle: wait until enough tokens are available for n bytes
		if t.limiter != nil {
			if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
				return 0, fmt.Errorf("rate limiter error: %w", werr)
			}
		}
		t.sum.Write(p[:n])
		t.n += int64(n)
	}
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (t *ThrottledReader) BytesRead() int64 { return t.n }

// Checksum returns the hex sha256 of the bytes read so far.
func (t *ThrottledReader) Checksum() string { return hex.EncodeToString(t.sum.Sum(nil)) }

package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourorg/acetool-go/internal/chunker"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/remote"
)

// BatchSender is the slice of the remote client the uploader needs.
type BatchSender interface {
	BatchUpload(ctx context.Context, blobs []chunker.Blob) error
}

// ErrAuth aborts the whole sync pass: retrying a bad credential cannot help.
var ErrAuth = errors.New("uploader: authentication rejected")

const maxUploadAttempts = 3

// FailedBlob records a blob dropped from the current pass.
type FailedBlob struct {
	Hash  string `json:"blob_hash"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result summarizes one upload pass.
type Result struct {
	// Uploaded holds the hashes of acknowledged blobs.
	Uploaded map[string]struct{}
	Failed   []FailedBlob
	// Fatal is non-nil when the pass was aborted (auth failure or
	// cancellation); remaining batches were never attempted.
	Fatal error
}

// Uploader drains blobs into batches and pushes them through a sliding
// concurrency window governed by the Strategy.
type Uploader struct {
	sender   BatchSender
	strategy *Strategy
	logger   *logging.Logger

	maxBatchBytes int
}

func New(sender BatchSender, strategy *Strategy, maxBatchBytes int, logger *logging.Logger) *Uploader {
	return &Uploader{
		sender:        sender,
		strategy:      strategy,
		logger:        logger,
		maxBatchBytes: maxBatchBytes,
	}
}

// batchBytes approximates the wire cost of a blob.
func batchBytes(b chunker.Blob) int {
	return len(b.Path) + len(b.Content)
}

// BuildBatches packs blobs greedily up to the byte ceiling and the count
// ceiling. A single blob bigger than the byte ceiling still ships as its own
// one-item batch.
func BuildBatches(blobs []chunker.Blob, maxCount, maxBytes int) [][]chunker.Blob {
	if maxCount <= 0 {
		maxCount = 1
	}
	var batches [][]chunker.Blob
	var cur []chunker.Blob
	curBytes := 0

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			curBytes = 0
		}
	}

	for _, b := range blobs {
		cost := batchBytes(b)
		if len(cur) >= maxCount {
			flush()
		}
		if maxBytes > 0 && len(cur) > 0 && curBytes+cost > maxBytes {
			flush()
		}
		cur = append(cur, b)
		curBytes += cost
	}
	flush()
	return batches
}

// Run uploads all blobs. It blocks until every batch is acknowledged, dropped
// or the pass aborts. Admission re-reads the live concurrency before each
// batch so a mid-flight decrease applies to new work immediately.
func (u *Uploader) Run(ctx context.Context, blobs []chunker.Blob) Result {
	res := Result{Uploaded: make(map[string]struct{})}
	if len(blobs) == 0 {
		return res
	}

	batches := BuildBatches(blobs, u.strategy.BatchSize(), u.maxBatchBytes)
	u.logger.Info("upload pass starting",
		logging.Int("blobs", len(blobs)),
		logging.Int("batches", len(batches)),
		logging.Int("concurrency", u.strategy.Concurrency()),
	)

	var (
		mu       sync.Mutex
		cond     = sync.NewCond(&mu)
		inflight int
		fatal    error
		wg       sync.WaitGroup
	)

	setFatal := func(err error) {
		mu.Lock()
		if fatal == nil {
			fatal = err
		}
		mu.Unlock()
		cond.Broadcast()
	}

	// Wake the admission loop when the context dies.
	stopWatch := context.AfterFunc(ctx, func() { cond.Broadcast() })
	defer stopWatch()

	for _, batch := range batches {
		mu.Lock()
		for fatal == nil && ctx.Err() == nil && inflight >= u.strategy.Concurrency() {
			cond.Wait()
		}
		if fatal != nil || ctx.Err() != nil {
			mu.Unlock()
			break
		}
		inflight++
		mu.Unlock()

		wg.Add(1)
		go func(batch []chunker.Blob) {
			defer wg.Done()
			defer func() {
				mu.Lock()
				inflight--
				mu.Unlock()
				cond.Broadcast()
			}()

			uploaded, failed, err := u.runBatch(ctx, batch)
			mu.Lock()
			for _, h := range uploaded {
				res.Uploaded[h] = struct{}{}
			}
			res.Failed = append(res.Failed, failed...)
			mu.Unlock()
			if err != nil {
				setFatal(err)
			}
		}(batch)
	}

	wg.Wait()
	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}
	res.Fatal = fatal

	u.logger.Info("upload pass finished",
		logging.Int("uploaded", len(res.Uploaded)),
		logging.Int("failed", len(res.Failed)),
		logging.Error(res.Fatal),
	)
	return res
}

// runBatch sends one batch with bounded retries. Returns acknowledged hashes,
// permanently failed blobs, and a pass-fatal error. Each attempt reports one
// outcome to the strategy.
func (u *Uploader) runBatch(ctx context.Context, batch []chunker.Blob) ([]string, []FailedBlob, error) {
	var lastErr error

	for attempt := 0; attempt < maxUploadAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			var httpErr *remote.HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				delay = httpErr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, u.strategy.Timeout())
		start := time.Now()
		err := u.sender.BatchUpload(attemptCtx, batch)
		latency := time.Since(start)
		cancel()

		if err == nil {
			u.strategy.Record(Outcome{Success: true, Latency: latency})
			hashes := make([]string, len(batch))
			for i, b := range batch {
				hashes[i] = b.Hash()
			}
			return hashes, nil, nil
		}

		class := classify(ctx, err)
		u.strategy.Record(Outcome{Success: false, Latency: latency, Class: class})
		lastErr = err

		var httpErr *remote.HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.IsAuth() {
				u.logger.Error("authentication rejected, aborting pass",
					logging.Int("status", httpErr.StatusCode))
				return nil, nil, fmt.Errorf("%w: %v", ErrAuth, err)
			}
			// Rate limits and 5xx are retried; any other 4xx means the
			// payload itself is refused and the batch is dropped.
			if !httpErr.IsRateLimit() && !httpErr.IsServer() {
				return nil, dropBatch(batch, err), nil
			}
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		u.logger.Warn("batch attempt failed",
			logging.Int("attempt", attempt+1),
			logging.Int("blobs", len(batch)),
			logging.String("class", class.String()),
			logging.Error(err),
		)
	}
	return nil, dropBatch(batch, lastErr), nil
}

func dropBatch(batch []chunker.Blob, err error) []FailedBlob {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	failed := make([]FailedBlob, len(batch))
	for i, b := range batch {
		failed[i] = FailedBlob{Hash: b.Hash(), Path: b.Path, Error: msg}
	}
	return failed
}

// classify maps an attempt error to an ErrorClass. A deadline hit while the
// parent context is still live counts as a request timeout.
func classify(parent context.Context, err error) ErrorClass {
	var httpErr *remote.HTTPError
	switch {
	case errors.As(err, &httpErr):
		switch {
		case httpErr.IsRateLimit():
			return ErrRateLimit
		case httpErr.IsServer():
			return ErrServer
		default:
			return ErrClient
		}
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return ErrTimeout
	default:
		return ErrNetwork
	}
}

// retryDelay grows exponentially from 300ms, capped at 5s, plus jitter.
func retryDelay(attempt int) time.Duration {
	d := 300 * time.Millisecond * time.Duration(1<<attempt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	jitter := time.Duration(time.Now().UnixNano() % int64(200*time.Millisecond))
	return d + jitter
}

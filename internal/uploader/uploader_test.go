package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/acetool-go/internal/chunker"
	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/remote"
)

type fakeSender struct {
	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	respond     func(call int, blobs []chunker.Blob) error
}

func (f *fakeSender) BatchUpload(ctx context.Context, blobs []chunker.Blob) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if f.respond == nil {
		return nil
	}
	return f.respond(call, blobs)
}

func makeBlobs(n int) []chunker.Blob {
	blobs := make([]chunker.Blob, n)
	for i := range blobs {
		blobs[i] = chunker.Blob{
			Path:    fmt.Sprintf("f%d.go", i),
			Content: fmt.Sprintf("content %d", i),
		}
	}
	return blobs
}

func TestBuildBatchesCountCeiling(t *testing.T) {
	batches := BuildBatches(makeBlobs(25), 10, 0)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)
}

func TestBuildBatchesByteCeiling(t *testing.T) {
	blobs := makeBlobs(10) // ~15 bytes each
	batches := BuildBatches(blobs, 100, 40)
	require.Greater(t, len(batches), 1)
	for _, batch := range batches {
		total := 0
		for _, b := range batch {
			total += batchBytes(b)
		}
		if len(batch) > 1 {
			assert.LessOrEqual(t, total, 40)
		}
	}
}

func TestBuildBatchesOversizedBlobShipsAlone(t *testing.T) {
	blobs := []chunker.Blob{
		{Path: "a", Content: "x"},
		{Path: "big", Content: string(make([]byte, 1000))},
		{Path: "b", Content: "y"},
	}
	batches := BuildBatches(blobs, 10, 100)
	require.Len(t, batches, 3)
	assert.Equal(t, "big", batches[1][0].Path)
	require.Len(t, batches[1], 1)
}

func TestBuildBatchesPreservesOrder(t *testing.T) {
	blobs := makeBlobs(12)
	batches := BuildBatches(blobs, 5, 0)
	var flat []chunker.Blob
	for _, b := range batches {
		flat = append(flat, b...)
	}
	assert.Equal(t, blobs, flat)
}

func TestRunUploadsEverything(t *testing.T) {
	sender := &fakeSender{}
	strategy := newTestStrategy(200, config.Overrides{}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	blobs := makeBlobs(100)
	res := u.Run(context.Background(), blobs)

	require.NoError(t, res.Fatal)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Uploaded, 100)
	for _, b := range blobs {
		assert.Contains(t, res.Uploaded, b.Hash())
	}
}

func TestRunRespectsConcurrencyWindow(t *testing.T) {
	sender := &fakeSender{
		respond: func(int, []chunker.Blob) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	}
	// Fixed concurrency 2 via no-adaptive with a pinned override.
	strategy := newTestStrategy(5000, config.Overrides{UploadConcurrency: 2}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	res := u.Run(context.Background(), makeBlobs(300))
	require.NoError(t, res.Fatal)
	assert.LessOrEqual(t, sender.maxInflight, 2)
	assert.Greater(t, sender.calls, 1)
}

func TestRunAuthFailureAbortsPass(t *testing.T) {
	sender := &fakeSender{
		respond: func(int, []chunker.Blob) error {
			return &remote.HTTPError{StatusCode: 401, Body: "bad token"}
		},
	}
	strategy := newTestStrategy(200, config.Overrides{}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	res := u.Run(context.Background(), makeBlobs(100))
	require.Error(t, res.Fatal)
	assert.ErrorIs(t, res.Fatal, ErrAuth)
	assert.Empty(t, res.Uploaded)
}

func TestRunClientErrorDropsBatchOnly(t *testing.T) {
	sender := &fakeSender{
		respond: func(call int, _ []chunker.Blob) error {
			if call == 1 {
				return &remote.HTTPError{StatusCode: 422, Body: "bad payload"}
			}
			return nil
		},
	}
	strategy := newTestStrategy(200, config.Overrides{}, false) // batch size 30
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	res := u.Run(context.Background(), makeBlobs(60))
	require.NoError(t, res.Fatal)
	assert.Len(t, res.Failed, 30)
	assert.Len(t, res.Uploaded, 30)
	for _, fb := range res.Failed {
		assert.Contains(t, fb.Error, "422")
	}
}

func TestRunRetriesServerErrors(t *testing.T) {
	sender := &fakeSender{
		respond: func(call int, _ []chunker.Blob) error {
			if call == 1 {
				return &remote.HTTPError{StatusCode: 503, Body: "unavailable"}
			}
			return nil
		},
	}
	strategy := newTestStrategy(5, config.Overrides{}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	res := u.Run(context.Background(), makeBlobs(5))
	require.NoError(t, res.Fatal)
	assert.Empty(t, res.Failed)
	assert.Len(t, res.Uploaded, 5)
	assert.Equal(t, 2, sender.calls)
}

func TestRunExhaustedRetriesDropBatch(t *testing.T) {
	sender := &fakeSender{
		respond: func(int, []chunker.Blob) error {
			return &remote.HTTPError{StatusCode: 500, Body: "boom"}
		},
	}
	strategy := newTestStrategy(5, config.Overrides{}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	res := u.Run(context.Background(), makeBlobs(5))
	require.NoError(t, res.Fatal)
	assert.Empty(t, res.Uploaded)
	assert.Len(t, res.Failed, 5)
	assert.Equal(t, maxUploadAttempts, sender.calls)
}

func TestRunReportsOutcomesToStrategy(t *testing.T) {
	sender := &fakeSender{}
	strategy := newTestStrategy(200, config.Overrides{}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	u.Run(context.Background(), makeBlobs(90)) // 3 batches of 30
	snap := strategy.Snapshot()
	assert.Equal(t, 3, snap.SampleCount)
	assert.InDelta(t, 1.0, snap.SuccessRate, 0.001)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := &fakeSender{}
	strategy := newTestStrategy(200, config.Overrides{}, false)
	u := New(sender, strategy, 5*1024*1024, logging.Nop())

	res := u.Run(ctx, makeBlobs(50))
	require.Error(t, res.Fatal)
	assert.ErrorIs(t, res.Fatal, context.Canceled)
}

func TestClassify(t *testing.T) {
	bg := context.Background()
	assert.Equal(t, ErrRateLimit, classify(bg, &remote.HTTPError{StatusCode: 429}))
	assert.Equal(t, ErrServer, classify(bg, &remote.HTTPError{StatusCode: 502}))
	assert.Equal(t, ErrClient, classify(bg, &remote.HTTPError{StatusCode: 404}))
	assert.Equal(t, ErrTimeout, classify(bg, context.DeadlineExceeded))
	assert.Equal(t, ErrNetwork, classify(bg, errors.New("connection reset")))

	canceled, cancel := context.WithCancel(bg)
	cancel()
	assert.Equal(t, ErrNetwork, classify(canceled, context.DeadlineExceeded))
}

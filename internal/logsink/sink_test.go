package logsink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-guard/internal/storage"
	"api-guard/internal/testutil"
)

func testRecord(id string) *storage.RequestLog {
	return &storage.RequestLog{
		ID:        id,
		Method:    "GET",
		Path:      "/v1/resource",
		IP:        "10.0.0.1",
		Tier:      "anonymous",
		CreatedAt: time.Now(),
	}
}

func TestWriteAndFlushOnClose(t *testing.T) {
	store := testutil.NewMockStorage()
	sink := NewSink(store, 16)

	for i := 0; i < 10; i++ {
		sink.Write(testRecord(fmt.Sprintf("r%d", i)))
	}
	sink.Close()

	assert.Equal(t, 10, store.LogCount())
	assert.Equal(t, uint64(0), sink.Dropped())
}

func TestWriteAfterCloseDrops(t *testing.T) {
	store := testutil.NewMockStorage()
	sink := NewSink(store, 16)
	sink.Close()

	sink.Write(testRecord("r1"))

	assert.Equal(t, 0, store.LogCount())
	assert.Equal(t, uint64(1), sink.Dropped())
}

func TestOverflowDrops(t *testing.T) {
	blocking := &blockingStore{
		MockStorage: testutil.NewMockStorage(),
		release:     make(chan struct{}),
	}
	sink := NewSink(blocking, 2)

	// One record occupies the stalled worker, two fill the buffer, the
	// rest overflow.
	for i := 0; i < 6; i++ {
		sink.Write(testRecord(fmt.Sprintf("r%d", i)))
	}

	assert.Greater(t, sink.Dropped(), uint64(0))

	close(blocking.release)
	sink.Close()
}

func TestStoreFailureDoesNotStopWorker(t *testing.T) {
	failing := &failFirstStore{
		MockStorage: testutil.NewMockStorage(),
	}
	sink := NewSink(failing, 16)

	sink.Write(testRecord("r1"))
	sink.Write(testRecord("r2"))
	sink.Close()

	// The first write failed; the worker carried on and persisted the rest.
	require.Equal(t, 1, failing.LogCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := NewSink(testutil.NewMockStorage(), 16)
	sink.Close()
	sink.Close()
}

// blockingStore stalls request-log writes until released.
type blockingStore struct {
	*testutil.MockStorage
	release chan struct{}
}

func (b *blockingStore) CreateRequestLog(ctx context.Context, log *storage.RequestLog) error {
	<-b.release
	return b.MockStorage.CreateRequestLog(ctx, log)
}

// failFirstStore fails the first request-log write only.
type failFirstStore struct {
	*testutil.MockStorage
	calls int
}

func (f *failFirstStore) CreateRequestLog(ctx context.Context, log *storage.RequestLog) error {
	f.calls++
	if f.calls == 1 {
		return fmt.Errorf("disk full")
	}
	return f.MockStorage.CreateRequestLog(ctx, log)
}

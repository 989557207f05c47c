package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futflow/config"
	"futflow/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func snap(at time.Time, prices map[string]float64) models.Snapshot {
	return models.Snapshot{ObservedAt: at, Prices: prices, Source: "mock", Synthetic: true}
}

func TestFlushUploadsParquet(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(config.ArchiveConfig{Prefix: "snapshots"}, "bucket", up)
	a.now = func() time.Time { return time.Date(2026, 2, 3, 4, 5, 0, 0, time.UTC) }

	at := time.Date(2026, 2, 3, 4, 0, 0, 0, time.UTC)
	a.pending = []models.Snapshot{
		snap(at, map[string]float64{"Saka": 10000, "Haaland": 20000}),
		snap(at.Add(time.Minute), map[string]float64{"Saka": 10100}),
	}

	require.NoError(t, a.Flush(context.Background()))

	keys := up.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "snapshots/year=2026/month=02/day=03/hour=04/snapshots_"), keys[0])
	assert.True(t, strings.HasSuffix(keys[0], ".parquet"))

	data := up.objects[keys[0]]
	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(data, []byte("PAR1")))
	assert.Empty(t, a.pending)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(config.ArchiveConfig{}, "bucket", up)

	require.NoError(t, a.Flush(context.Background()))
	assert.Empty(t, up.keys())
}

func TestFlushFailureKeepsBatch(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := NewArchive(config.ArchiveConfig{}, "bucket", up)
	a.pending = []models.Snapshot{snap(time.Now(), map[string]float64{"Saka": 1})}

	err := a.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Len(t, a.pending, 1)

	up.err = nil
	require.NoError(t, a.Flush(context.Background()))
	assert.Len(t, up.keys(), 1)
}

func TestStopFlushesQueuedSnapshots(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(config.ArchiveConfig{FlushInterval: time.Hour}, "bucket", up)
	require.NoError(t, a.Start(context.Background()))
	require.Error(t, a.Start(context.Background()))

	a.Enqueue(snap(time.Now(), map[string]float64{"Saka": 1}))
	a.Enqueue(snap(time.Now(), map[string]float64{"Saka": 2}))

	a.Stop(context.Background())
	assert.Len(t, up.keys(), 1)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	a := NewArchive(config.ArchiveConfig{}, "bucket", &fakeUploader{})
	for i := 0; i < defaultQueueSize+5; i++ {
		a.Enqueue(snap(time.Now(), map[string]float64{"Saka": float64(i)}))
	}
	assert.Len(t, a.in, defaultQueueSize)
}

// Package writer archives recorded price snapshots to S3 as parquet files.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"futflow/config"
	"futflow/logger"
	"futflow/models"
)

const defaultQueueSize = 64

// snapshotRecord is one price observation; a snapshot becomes one row per key.
type snapshotRecord struct {
	ObservedAt int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Key        string  `parquet:"name=key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Source     string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Synthetic  bool    `parquet:"name=synthetic, type=BOOLEAN"`
}

// Uploader is the subset of the S3 client the archive needs.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Archive buffers snapshots handed to Enqueue and uploads them on every
// flush interval. A full queue drops the snapshot rather than blocking the
// analysis cycle.
type Archive struct {
	uploader Uploader
	bucket   string
	prefix   string
	interval time.Duration
	in       chan models.Snapshot

	mu      sync.Mutex
	pending []models.Snapshot
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	now     func() time.Time
	log     *logger.Log
}

func NewArchive(cfg config.ArchiveConfig, bucket string, uploader Uploader) *Archive {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archive{
		uploader: uploader,
		bucket:   bucket,
		prefix:   cfg.Prefix,
		interval: interval,
		in:       make(chan models.Snapshot, defaultQueueSize),
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// Enqueue hands a snapshot to the archive without blocking.
func (a *Archive) Enqueue(snap models.Snapshot) {
	select {
	case a.in <- snap:
	default:
		a.log.WithComponent("archive").WithFields(logger.Fields{"observed_at": snap.ObservedAt}).Warn("archive queue full; snapshot dropped")
	}
}

func (a *Archive) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("archive already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.loop(ctx)

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":   a.bucket,
		"interval": a.interval.String(),
	}).Info("snapshot archive started")
	return nil
}

// Stop ends the loop and uploads whatever is still buffered.
func (a *Archive) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.drain()
	if err := a.Flush(ctx); err != nil {
		a.log.WithComponent("archive").WithError(err).Error("final flush failed")
	}
	a.log.WithComponent("archive").Info("snapshot archive stopped")
}

func (a *Archive) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.in:
			a.mu.Lock()
			a.pending = append(a.pending, snap)
			a.mu.Unlock()
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.log.WithComponent("archive").WithError(err).Error("flush failed")
			}
		}
	}
}

func (a *Archive) drain() {
	for {
		select {
		case snap := <-a.in:
			a.mu.Lock()
			a.pending = append(a.pending, snap)
			a.mu.Unlock()
		default:
			return
		}
	}
}

// Flush uploads buffered snapshots as one parquet object. On failure the
// snapshots are put back for the next attempt.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	data, rows, err := encodeSnapshots(batch)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}

	key := a.objectKey(a.now().UTC())
	if _, err := a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	}); err != nil {
		a.mu.Lock()
		a.pending = append(batch, a.pending...)
		a.mu.Unlock()
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"s3_key":    key,
		"snapshots": len(batch),
		"rows":      rows,
		"bytes":     len(data),
	}).Info("snapshot batch uploaded")
	return nil
}

func (a *Archive) objectKey(ts time.Time) string {
	return path.Join(
		a.prefix,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("snapshots_%d_%s.parquet", ts.UnixNano(), uuid.New().String()[:8]),
	)
}

func encodeSnapshots(snaps []models.Snapshot) ([]byte, int, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, new(snapshotRecord), 4)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := 0
	for _, snap := range snaps {
		for _, key := range snap.Keys() {
			rec := snapshotRecord{
				ObservedAt: snap.ObservedAt.UnixMilli(),
				Key:        key,
				Price:      snap.Prices[key],
				Source:     snap.Source,
				Synthetic:  snap.Synthetic,
			}
			if err := pw.Write(rec); err != nil {
				return nil, 0, err
			}
			rows++
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}
	return mw.Bytes(), rows, nil
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futflow/config"
	"futflow/models"
	"futflow/processor"
)

type fakeAnalyzer struct {
	delay   time.Duration
	calls   int64
	active  int64
	maxSeen int64
	modes   []processor.Mode
	mu      sync.Mutex
}

func (f *fakeAnalyzer) RunCycle(ctx context.Context, mode processor.Mode) processor.Report {
	atomic.AddInt64(&f.calls, 1)
	n := atomic.AddInt64(&f.active, 1)
	defer atomic.AddInt64(&f.active, -1)

	f.mu.Lock()
	if n > f.maxSeen {
		f.maxSeen = n
	}
	f.modes = append(f.modes, mode)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return processor.Report{
		CycleID:   "c1",
		Mode:      mode,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Signals: []models.SignalRecord{
			{Kind: models.KindInfo, Subject: "Market", Message: "no strong signal", Confidence: models.ConfidenceLow},
		},
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   map[int64][]string
	failOn map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: map[int64][]string{}, failOn: map[int64]bool{}}
}

func (n *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOn[chatID] {
		return errors.New("blocked")
	}
	n.sent[chatID] = append(n.sent[chatID], text)
	return nil
}

type staticRecipients []int64

func (r staticRecipients) List() []int64 { return r }

type countingObserver struct {
	cycles, ok, failed int64
}

func (o *countingObserver) ObserveCycle(processor.Report) { atomic.AddInt64(&o.cycles, 1) }
func (o *countingObserver) ObserveDelivery(ok bool) {
	if ok {
		atomic.AddInt64(&o.ok, 1)
		return
	}
	atomic.AddInt64(&o.failed, 1)
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{Enabled: true, Interval: time.Minute, CycleTimeout: 5 * time.Second, BroadcastConcurrency: 2}
}

func TestRunOnceBroadcastsToAllSubscribers(t *testing.T) {
	an := &fakeAnalyzer{}
	nt := newFakeNotifier()
	obs := &countingObserver{}
	s := New(testConfig(), an, nt, staticRecipients{1, 2, 3}, obs)

	rep := s.RunOnce(context.Background())

	assert.Len(t, rep.Signals, 1)
	for _, id := range []int64{1, 2, 3} {
		require.Len(t, nt.sent[id], 1)
		assert.Contains(t, nt.sent[id][0], "Market scan")
		assert.Contains(t, nt.sent[id][0], "no strong signal")
	}
	assert.Equal(t, int64(1), obs.cycles)
	assert.Equal(t, int64(3), obs.ok)
	assert.Equal(t, processor.ModeScheduled, an.modes[0])
}

func TestBroadcastContinuesPastFailures(t *testing.T) {
	nt := newFakeNotifier()
	nt.failOn[2] = true
	obs := &countingObserver{}
	s := New(testConfig(), &fakeAnalyzer{}, nt, staticRecipients{1, 2, 3}, obs)

	ok, failed := s.Broadcast(context.Background(), "hello")

	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"hello"}, nt.sent[1])
	assert.Equal(t, []string{"hello"}, nt.sent[3])
	assert.Empty(t, nt.sent[2])
	assert.Equal(t, int64(1), obs.failed)
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	nt := newFakeNotifier()
	s := New(testConfig(), &fakeAnalyzer{}, nt, staticRecipients{})

	ok, failed := s.Broadcast(context.Background(), "hello")
	assert.Zero(t, ok)
	assert.Zero(t, failed)
	assert.Empty(t, nt.sent)
}

func TestScanForSendsOnlyToRequester(t *testing.T) {
	an := &fakeAnalyzer{}
	nt := newFakeNotifier()
	s := New(testConfig(), an, nt, staticRecipients{1, 2, 3})

	require.NoError(t, s.ScanFor(context.Background(), 2))

	assert.Len(t, nt.sent[2], 1)
	assert.Contains(t, nt.sent[2][0], "On-demand scan")
	assert.Empty(t, nt.sent[1])
	assert.Empty(t, nt.sent[3])
	assert.Equal(t, processor.ModeOnDemand, an.modes[0])
}

func TestScanForReportsDeliveryError(t *testing.T) {
	nt := newFakeNotifier()
	nt.failOn[7] = true
	s := New(testConfig(), &fakeAnalyzer{}, nt, staticRecipients{})

	err := s.ScanFor(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestScheduledCyclesDoNotOverlap(t *testing.T) {
	an := &fakeAnalyzer{delay: 30 * time.Millisecond}
	s := New(testConfig(), an, newFakeNotifier(), staticRecipients{1})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4), atomic.LoadInt64(&an.calls))
	assert.Equal(t, int64(1), an.maxSeen)
}

func TestStatusLifecycle(t *testing.T) {
	s := New(testConfig(), &fakeAnalyzer{}, newFakeNotifier(), staticRecipients{})

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Active)
	assert.True(t, st.NextRun.IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))

	st = s.Status()
	assert.Equal(t, StateScheduled, st.State)
	assert.True(t, st.Active)
	assert.Equal(t, time.Minute, st.Interval)
	assert.False(t, st.NextRun.IsZero())
	assert.WithinDuration(t, time.Now().Add(time.Minute), st.NextRun, 5*time.Second)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	st = s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Active)
	assert.True(t, st.NextRun.IsZero())
}

func TestRunOnceRecordsLastRun(t *testing.T) {
	s := New(testConfig(), &fakeAnalyzer{}, newFakeNotifier(), staticRecipients{})
	s.RunOnce(context.Background())

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 1, st.LastSignals)
	assert.False(t, st.LastRun.IsZero())
}

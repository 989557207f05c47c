package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	warnsReader    int64
	errorsReader   int64
	warnsDelivery  int64
	errorsDelivery int64
	cyclesRun      int64
	signalsSent    int64
	deliveriesOK   int64
	deliveriesErr  int64
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "reader"):
		atomic.AddInt64(&warnsReader, 1)
	case strings.Contains(component, "dispatch"), strings.Contains(component, "telegram"):
		atomic.AddInt64(&warnsDelivery, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "reader"):
		atomic.AddInt64(&errorsReader, 1)
	case strings.Contains(component, "dispatch"), strings.Contains(component, "telegram"):
		atomic.AddInt64(&errorsDelivery, 1)
	}
}

// IncrementCycle counts a finished analysis cycle and the signals it produced.
func IncrementCycle(signals int) {
	atomic.AddInt64(&cyclesRun, 1)
	atomic.AddInt64(&signalsSent, int64(signals))
}

// IncrementDelivery counts one outbound message attempt.
func IncrementDelivery(ok bool) {
	if ok {
		atomic.AddInt64(&deliveriesOK, 1)
		return
	}
	atomic.AddInt64(&deliveriesErr, 1)
}

// ReportFields returns the counters collected since startup.
func ReportFields() Fields {
	return Fields{
		"cycles":          atomic.LoadInt64(&cyclesRun),
		"signals":         atomic.LoadInt64(&signalsSent),
		"deliveries_ok":   atomic.LoadInt64(&deliveriesOK),
		"deliveries_err":  atomic.LoadInt64(&deliveriesErr),
		"warns_reader":    atomic.LoadInt64(&warnsReader),
		"errors_reader":   atomic.LoadInt64(&errorsReader),
		"warns_delivery":  atomic.LoadInt64(&warnsDelivery),
		"errors_delivery": atomic.LoadInt64(&errorsDelivery),
		"goroutines":      runtime.NumGoroutine(),
	}
}

// StartReport begins periodic logging of process and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	fields := ReportFields()
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")
}

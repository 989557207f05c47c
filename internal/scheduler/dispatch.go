package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"futflow/logger"
)

// Broadcast sends text to every current subscriber with bounded concurrency.
// A failed recipient is logged and counted; it never stops the others and is
// not retried.
func (s *Scheduler) Broadcast(ctx context.Context, text string) (delivered, failed int) {
	recipients := s.recipients.List()
	if len(recipients) == 0 {
		s.log.WithComponent("dispatch").Debug("no subscribers; skipping broadcast")
		return 0, 0
	}

	var ok, bad int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.BroadcastConcurrency)
	for _, id := range recipients {
		g.Go(func() error {
			if err := s.notifier.Send(ctx, id, text); err != nil {
				atomic.AddInt64(&bad, 1)
				s.observeDelivery(false)
				s.log.WithComponent("dispatch").WithError(err).WithFields(logger.Fields{"chat_id": id}).Warn("delivery failed")
				return nil
			}
			atomic.AddInt64(&ok, 1)
			s.observeDelivery(true)
			return nil
		})
	}
	_ = g.Wait()

	logger.LogDataFlowEntry(s.log.WithComponent("dispatch"), "scheduler", "telegram", int(ok), "message")
	return int(ok), int(bad)
}

func (s *Scheduler) observeDelivery(ok bool) {
	logger.IncrementDelivery(ok)
	for _, o := range s.observers {
		o.ObserveDelivery(ok)
	}
}

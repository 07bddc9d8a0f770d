package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candle-signal-bot/internal/database"
	"candle-signal-bot/internal/events"
	"candle-signal-bot/internal/logging"
	"candle-signal-bot/internal/metrics"
)

// Sweeper expires stale pending payments on a fixed interval so that missed
// transfers cannot match forever and users can start a fresh purchase.
type Sweeper struct {
	service *Service
	log     *logging.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates the expiry sweeper
func NewSweeper(service *Service, log *logging.Logger) *Sweeper {
	return &Sweeper{
		service: service,
		log:     log.WithComponent("payment-sweeper"),
	}
}

// Start launches the sweep loop. Safe to call once.
func (w *Sweeper) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("payment sweeper already running")
	}

	w.stopChan = make(chan struct{})
	w.running = true

	w.wg.Add(1)
	go w.runLoop()

	w.log.Info("payment sweeper started", "interval", w.service.cfg.SweepInterval)
	return nil
}

// Stop signals the loop and waits for it to drain
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("payment sweeper stopped")
}

// IsRunning reports whether the sweep loop is active
func (w *Sweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Sweeper) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.service.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweepExpired()
		}
	}
}

func (w *Sweeper) sweepExpired() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in payment sweep", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := w.service.store.ExpireStalePayments(ctx, w.service.now().UTC())
	if err != nil {
		w.log.Error("failed to expire stale payments", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	w.log.Info("expired stale payments", "count", len(expired))

	for i := range expired {
		p := &expired[i]

		w.service.locks.ReleasePaymentLock(ctx, p.UserID)
		metrics.PaymentsResolved.WithLabelValues(database.PaymentExpired).Inc()

		w.service.notify(ctx, p.UserID,
			"⏰ Your credit purchase expired before a matching transfer arrived. You can start a new purchase anytime.")
		w.service.bus.Publish(events.EventPaymentExpired, map[string]interface{}{
			"payment_id": p.ID,
			"user_id":    p.UserID,
		})
	}
}

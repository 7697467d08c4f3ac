package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/events"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// ErrInvalidRecipient is returned by channel handlers when the delivery
// target is unusable. The dispatcher dead-letters immediately instead of
// burning the retry budget.
var ErrInvalidRecipient = errors.New("notify: invalid recipient")

// attemptTimeout bounds one outbound send.
const attemptTimeout = 10 * time.Second

// The broker drops a commit event when a subscriber buffer overflows, so
// the dispatch loop also sweeps for pending rows old enough that their
// event cannot still be in flight.
const (
	sweepInterval   = 30 * time.Second
	sweepStaleAfter = time.Minute
	sweepBatchSize  = 100
)

// Delivery is everything a channel handler needs to send one
// notification.
type Delivery struct {
	Notification *types.Notification
	Rule         *types.AlertRule
	Transaction  *types.Transaction
	Block        *types.Block
	Event        *types.Event
}

// Subject composes the notification subject line.
func (d *Delivery) Subject() string {
	return fmt.Sprintf("[%s] %s", d.Rule.Severity, d.Rule.Name)
}

// Recipient returns the channel-appropriate delivery target for audit
// records.
func (d *Delivery) Recipient() string {
	switch d.Notification.Channel {
	case types.ChannelEmail:
		return strings.Join(d.Rule.Emails, ",")
	case types.ChannelWebhook:
		return d.Rule.WebhookURL.String
	}
	return ""
}

// Handler delivers one notification over a channel.
type Handler interface {
	Send(ctx context.Context, d *Delivery) error
}

// Dispatcher consumes commit-bound notification events and delivers each
// notification through its channel handler with retry, a per-channel
// circuit breaker, and a dead-letter queue.
type Dispatcher struct {
	store    *storage.Store
	broker   *events.Broker
	dispatch config.DispatchConfig
	handlers map[types.Channel]Handler
	breakers map[types.Channel]*gobreaker.CircuitBreaker
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sub     events.Subscriber
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Handlers are registered separately
// before Start.
func NewDispatcher(store *storage.Store, broker *events.Broker, dispatch config.DispatchConfig, circuit config.CircuitConfig) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		broker:   broker,
		dispatch: dispatch,
		handlers: make(map[types.Channel]Handler),
		breakers: make(map[types.Channel]*gobreaker.CircuitBreaker),
		logger:   log.WithComponent("dispatcher"),
	}
	for _, ch := range []types.Channel{types.ChannelEmail, types.ChannelWebhook} {
		d.breakers[ch] = newBreaker(ch, circuit)
	}
	return d
}

func newBreaker(ch types.Channel, circuit config.CircuitConfig) *gobreaker.CircuitBreaker {
	name := string(ch)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     circuit.CoolOff(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(circuit.Window) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= float64(circuit.FailureRatePct)/100
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateHalfOpen:
				v = 1
			case gobreaker.StateOpen:
				v = 2
			}
			metrics.CircuitState.WithLabelValues(name).Set(v)
		},
	})
}

// Register installs the handler for a channel.
func (d *Dispatcher) Register(ch types.Channel, h Handler) {
	d.handlers[ch] = h
}

// Start subscribes to the broker and launches the dispatch loop. Calling
// Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.sub = d.broker.Subscribe()
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info().Msg("dispatcher started")
}

// Stop cancels the dispatch loop and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel, sub := d.cancel, d.sub
	d.mu.Unlock()

	cancel()
	d.broker.Unsubscribe(sub)
	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepStalePending(ctx)
		case ev, ok := <-d.sub:
			if !ok {
				return
			}
			if ev.Type != events.EventNotificationsCommitted {
				continue
			}
			for _, id := range ev.NotificationIDs {
				if ctx.Err() != nil {
					return
				}
				if err := d.Dispatch(ctx, id); err != nil {
					d.logger.Error().Err(err).Int64("notification_id", id).
						Msg("dispatch failed")
				}
			}
		}
	}
}

// sweepStalePending re-dispatches pending notifications whose commit
// event never arrived.
func (d *Dispatcher) sweepStalePending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-sweepStaleAfter)
	ids, err := storage.ListStalePendingNotifications(ctx, d.store.DB(), cutoff, sweepBatchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("stale notification sweep failed")
		return
	}
	if len(ids) == 0 {
		return
	}
	d.logger.Info().Int("count", len(ids)).Msg("re-dispatching stale pending notifications")
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := d.Dispatch(ctx, id); err != nil {
			d.logger.Error().Err(err).Int64("notification_id", id).
				Msg("dispatch failed")
		}
	}
}

// Dispatch runs the full delivery state machine for one notification. It
// is exported so replay tooling can push a single notification through.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) error {
	db := d.store.DB()
	nLog := log.WithNotificationID(id)

	n, err := storage.GetNotification(ctx, db, id)
	if errors.Is(err, storage.ErrNotFound) {
		nLog.Warn().Msg("committed notification not found, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if n.Invalidated {
		nLog.Info().Msg("notification invalidated, not dispatching")
		return nil
	}
	if n.Status != types.NotificationPending && n.Status != types.NotificationRetrying {
		nLog.Debug().Str("status", string(n.Status)).Msg("notification not dispatchable")
		return nil
	}

	handler, ok := d.handlers[n.Channel]
	if !ok {
		metrics.NotificationsDispatched.WithLabelValues(string(n.Channel), "no_service").Inc()
		return storage.MarkFailed(ctx, db, id, string(types.FailureNoHandler))
	}

	del, err := d.loadDelivery(ctx, n)
	if err != nil {
		return err
	}
	if del.Rule == nil {
		return storage.MarkFailed(ctx, db, id, "rule no longer exists")
	}

	cb := d.breakers[n.Channel]

	for attempt := 1; attempt <= d.dispatch.MaxAttempts; attempt++ {
		if cb.State() == gobreaker.StateOpen {
			// Short-circuited before reaching the remote side, so this
			// does not count against attempt_count.
			return d.deadLetter(ctx, del, types.FailureCircuitOpen, "circuit breaker open")
		}

		eligible, err := storage.BeginDeliveryAttempt(ctx, db, id, time.Now().UTC())
		if err != nil {
			return err
		}
		if !eligible {
			// Raced with an invalidation or a concurrent dispatcher.
			nLog.Debug().Msg("delivery attempt refused by state gate")
			return nil
		}

		_, sendErr := cb.Execute(func() (interface{}, error) {
			actx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			return nil, handler.Send(actx, del)
		})

		if sendErr == nil {
			metrics.NotificationsDispatched.WithLabelValues(string(n.Channel), "success").Inc()
			return storage.MarkDelivered(ctx, db, id)
		}

		metrics.NotificationsDispatched.WithLabelValues(string(n.Channel), "failure").Inc()
		nLog.Warn().Err(sendErr).Int("attempt", attempt).Msg("delivery attempt failed")

		if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
			return d.deadLetter(ctx, del, types.FailureCircuitOpen, sendErr.Error())
		}
		if errors.Is(sendErr, ErrInvalidRecipient) {
			return d.deadLetter(ctx, del, types.FailureInvalidRecipient, sendErr.Error())
		}

		if attempt < d.dispatch.MaxAttempts {
			if err := storage.MarkRetrying(ctx, db, id, sendErr.Error()); err != nil {
				return err
			}
			if !sleepCtx(ctx, d.backoff(attempt)) {
				return ctx.Err()
			}
			continue
		}

		reason := types.FailureMaxRetries
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = types.FailureTimeout
		}
		return d.deadLetter(ctx, del, reason, sendErr.Error())
	}
	return nil
}

// backoff returns the delay after the given attempt number: base, 2*base,
// 4*base, ...
func (d *Dispatcher) backoff(attempt int) time.Duration {
	return d.dispatch.BackoffBase() << (attempt - 1)
}

func (d *Dispatcher) loadDelivery(ctx context.Context, n *types.Notification) (*Delivery, error) {
	db := d.store.DB()
	del := &Delivery{Notification: n}

	rule, err := storage.GetRule(ctx, db, n.RuleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	del.Rule = rule

	tx, err := storage.GetTransactionByID(ctx, db, n.TransactionID)
	if err != nil {
		return nil, err
	}
	del.Transaction = tx

	block, err := storage.GetBlockByID(ctx, db, tx.BlockID)
	if err != nil {
		return nil, err
	}
	del.Block = block

	if n.EventID.Valid {
		ev, err := storage.GetEventByID(ctx, db, n.EventID.Int64)
		if err != nil {
			return nil, err
		}
		del.Event = ev
	}
	return del, nil
}

// deadLetter records a permanent failure: one DLQ row with a denormalized
// snapshot, then the terminal status transition.
func (d *Dispatcher) deadLetter(ctx context.Context, del *Delivery, reason types.FailureReason, errMsg string) error {
	db := d.store.DB()
	id := del.Notification.ID

	// Re-read for the final attempt statistics.
	n, err := storage.GetNotification(ctx, db, id)
	if err != nil {
		return err
	}

	entry := &types.DeadLetterEntry{
		NotificationID: id,
		AlertRuleID:    del.Rule.ID,
		AlertRuleName:  del.Rule.Name,
		Channel:        n.Channel,
		Recipient:      del.Recipient(),
		FailureReason:  reason,
		ErrorMessage:   nullString(errMsg),
		AttemptCount:   n.AttemptCount,
		FirstAttemptAt: n.FirstAttemptAt,
		LastAttemptAt:  n.LastAttemptAt,
		QueuedAt:       time.Now().UTC(),
	}
	if err := storage.InsertDeadLetter(ctx, db, entry); err != nil {
		return err
	}

	metrics.DeadLettered.WithLabelValues(string(reason)).Inc()
	nLog := log.WithNotificationID(id)
	nLog.Error().
		Str("reason", string(reason)).
		Int("attempts", n.AttemptCount).
		Msg("notification dead-lettered")
	return storage.MarkDeadLetter(ctx, db, id, errMsg)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

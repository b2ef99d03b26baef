// Package notify delivers user and operator messages outside the ledger's
// transaction boundary. Delivery failures are logged and never surface to
// the caller.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Kind string

const (
	KindLowBalance       Kind = "low_balance"
	KindAllocation       Kind = "allocation_confirmed"
	KindWithdrawal       Kind = "withdrawal_update"
	KindFailure          Kind = "failure_alert"
	KindOperatorIncident Kind = "operator_incident"
)

// OperatorsUserID addresses operator-facing incidents.
const OperatorsUserID = "ops"

type Notification struct {
	UserID string    `json:"user_id"`
	Kind   Kind      `json:"kind"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Notifier accepts fire-and-forget messages.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// KafkaNotifier publishes notifications to a topic consumed by the
// notification service.
type KafkaNotifier struct {
	writer  *kafka.Writer
	log     *zap.SugaredLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewKafkaNotifier(w *kafka.Writer, log *zap.SugaredLogger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, log: log, timeout: 5 * time.Second}
}

// Notify returns immediately; the write happens in the background with its
// own deadline so a cancelled request does not drop the message.
func (k *KafkaNotifier) Notify(_ context.Context, n Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		k.log.Warnw("encode notification", "kind", n.Kind, "user_id", n.UserID, "err", err)
		return
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		defer cancel()
		msg := kafka.Message{Key: []byte(n.UserID), Value: payload, Time: n.SentAt}
		if err := k.writer.WriteMessages(ctx, msg); err != nil {
			k.log.Warnw("notification dropped", "kind", n.Kind, "user_id", n.UserID, "err", err)
		}
	}()
}

// Close waits for in-flight writes.
func (k *KafkaNotifier) Close() error {
	k.wg.Wait()
	return k.writer.Close()
}

// Recorder keeps notifications in memory. Used by tests and local runs.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Sent returns a copy of everything recorded, optionally filtered by kind.
func (r *Recorder) Sent(kinds ...Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if len(kinds) == 0 {
			out = append(out, n)
			continue
		}
		for _, k := range kinds {
			if n.Kind == k {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/medifleet/dispatch/internal/broker/messages"
	"github.com/medifleet/dispatch/internal/models"
)

type publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Notifier отправляет события доставки в kafka-топик для внешних
// уведомителей. Ключ — ссылка на основную сущность, чтобы события одной
// доставки шли в одну партицию по порядку.
type Notifier struct {
	p   publisher
	log *slog.Logger
}

func New(p publisher, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{p: p, log: log}
}

func (n *Notifier) Emit(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref) error {
	ev := messages.DeliveryEvent{
		Type:       eventType,
		Ref:        ref,
		Related:    related,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := n.p.Publish(ctx, []byte(ref.Key()), b); err != nil {
		return errors.Wrap(err, "publish event")
	}
	n.log.Info("event emitted", "type", eventType, "ref", ref.Key())
	return nil
}

// EmitBestEffort logs a failed publish instead of failing the caller. Для
// событий, которые не должны ронять основную операцию.
func (n *Notifier) EmitBestEffort(ctx context.Context, eventType string, ref models.Ref, msg string, related ...models.Ref) {
	if err := n.Emit(ctx, eventType, ref, msg, related...); err != nil {
		n.log.Error("event emit failed", "type", eventType, "ref", ref.Key(), "error", err)
	}
}

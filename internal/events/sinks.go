package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"AgentShield/internal/vault"
	"AgentShield/pkg/logger"
)

// Fanout 将事件依次投递给多个出口，汇总全部错误。
type Fanout []vault.EventSink

// Publish 实现 vault.EventSink。
func (f Fanout) Publish(ctx context.Context, events []vault.Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", sink, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink 把事件写入审计日志流。
type LogSink struct{}

// Publish 实现 vault.EventSink。
func (LogSink) Publish(_ context.Context, events []vault.Event) error {
	for _, ev := range events {
		data, err := Encode(ev)
		if err != nil {
			return err
		}
		logger.Audit().Info("vault event",
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("vault", ev.Vault.Hex()),
			slog.String("tx_id", ev.TxID),
			slog.String("envelope", string(data)))
	}
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zemo/api/internal/model"
)

// NATSBus publishes events on subjects jobs.<type>.<jobId>.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func ConnectNATS(url string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBus{nc: nc, logger: logger}, nil
}

func (b *NATSBus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

func subject(event model.Event) string {
	return fmt.Sprintf("jobs.%s.%s", event.JobType, event.JobID)
}

func (b *NATSBus) Publish(_ context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject(event), data)
}

// Relay forwards every job event to dst until ctx ends.
func (b *NATSBus) Relay(ctx context.Context, dst Publisher) error {
	sub, err := b.nc.Subscribe("jobs.>", func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping malformed event", slog.String("subject", msg.Subject))
			return
		}
		if err := dst.Publish(ctx, event); err != nil {
			b.logger.Debug("relay publish failed", slog.String("jobId", event.JobID), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

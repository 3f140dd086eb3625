package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/efbtools/chartstore/internal/logger"
	"github.com/efbtools/chartstore/internal/observability"
)

// EventApplier is what the consumer needs from the rest of the daemon.
type EventApplier interface {
	Apply(ctx context.Context, ev Event) error
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	applier EventApplier
	zlog    *zerolog.Logger
}

func New(cfg Config, log *slog.Logger, applier EventApplier) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		cfg:     cfg,
		logger:  log,
		applier: applier,
	}
}

// Start consumes revocation events until the context ends.
func (c *Consumer) Start(ctx context.Context) error {
	if c.applier == nil {
		return errors.New("revocation: missing applier")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	zl := logger.Build(logger.Config{Level: "info", Component: "revocation_consumer"}, nil)
	c.zlog = &zl

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("revocation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("revocation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				c.zlog.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single feed message. Events that can never be
// applied are logged and skipped so one poison message cannot wedge the
// partition; transient apply failures propagate for redelivery.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncRevocationError("decode")
		c.zl().Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("undecodable revocation event")
		return nil
	}

	if err := c.applier.Apply(ctx, ev); err != nil {
		if errors.Is(err, ErrInvalid) {
			observability.IncRevocationError("invalid")
			c.zl().Error().Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("invalid revocation event")
			return nil
		}
		observability.IncRevocationError("apply")
		return fmt.Errorf("apply revocation: %w", err)
	}

	c.logger.Debug("revocation applied",
		"op", ev.Op, "chart", ev.ChartID, "package", ev.PackageID, "cycle", ev.Cycle)
	return nil
}

func (c *Consumer) zl() *zerolog.Logger {
	if c.zlog == nil {
		zl := zerolog.Nop()
		return &zl
	}
	return c.zlog
}

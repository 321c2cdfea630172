// Package attributes subscribes to attribute events on NATS and feeds
// them into the rules service. It also provides the NATS-backed
// publisher used for south-bound writes and notifications, so rule
// actions travel the same wire as any other attribute change.
package attributes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/metric"
	"github.com/ApollusEHS-OSS/openremote/natsclient"
	"github.com/ApollusEHS-OSS/openremote/pkg/timestamp"
)

// wireEvent is the over-the-wire attribute event. Timestamps arrive in
// whatever form the publishing agent uses (RFC3339, Unix seconds or
// milliseconds), so the field stays untyped until normalized.
type wireEvent struct {
	Ref       asset.AttributeRef `json:"ref"`
	Realm     string             `json:"realm"`
	Value     any                `json:"value"`
	Timestamp any                `json:"timestamp"`
	Deleted   bool               `json:"deleted,omitempty"`
}

// EventSink receives decoded attribute events. Implemented by
// rules.Service.
type EventSink interface {
	OnAssetAttributeChanged(ctx context.Context, ev asset.AttributeEvent) error
}

// InputDeps holds runtime dependencies for the attribute ingestion
// component.
type InputDeps struct {
	Subject    string
	QueueGroup string
	NATSClient *natsclient.Client
	Sink       EventSink
	Metrics    *metric.Metrics
	Logger     *slog.Logger
}

// Input consumes attribute events from a NATS subject and forwards
// them to the sink.
type Input struct {
	subject    string
	queueGroup string
	client     *natsclient.Client
	sink       EventSink
	metrics    *metric.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	running atomic.Bool
	cancel  context.CancelFunc

	received atomic.Int64
	rejected atomic.Int64
}

// NewInput builds the ingestion component. NATSClient and Sink are
// required.
func NewInput(deps InputDeps) (*Input, error) {
	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil NATS client"),
			"attributes-input", "NewInput", "validating dependencies")
	}
	if deps.Sink == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil event sink"),
			"attributes-input", "NewInput", "validating dependencies")
	}
	if deps.Subject == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty subject"),
			"attributes-input", "NewInput", "validating dependencies")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "attributes-input")
	}

	return &Input{
		subject:    deps.Subject,
		queueGroup: deps.QueueGroup,
		client:     deps.NATSClient,
		sink:       deps.Sink,
		metrics:    deps.Metrics,
		logger:     logger,
	}, nil
}

// Start subscribes to the attribute event subject. Idempotent while
// running.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil
	}

	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in.cancel = cancel

	handler := func(msg *nats.Msg) {
		in.handle(handlerCtx, msg)
	}

	var sub *nats.Subscription
	var err error
	if in.queueGroup != "" {
		sub, err = in.client.QueueSubscribe(in.subject, in.queueGroup, handler)
	} else {
		sub, err = in.client.Subscribe(in.subject, handler)
	}
	if err != nil {
		cancel()
		return errors.Wrap(err,
			"attributes-input", "Start", fmt.Sprintf("subscribing to %s", in.subject))
	}

	in.sub = sub
	in.running.Store(true)
	in.logger.Info("attribute ingestion started",
		"subject", in.subject,
		"queue_group", in.queueGroup)
	return nil
}

// Stop unsubscribes and halts event forwarding.
func (in *Input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.running.Load() {
		return nil
	}
	in.running.Store(false)

	if in.cancel != nil {
		in.cancel()
	}
	if in.sub != nil {
		if err := in.sub.Unsubscribe(); err != nil {
			return errors.Wrap(err,
				"attributes-input", "Stop", "unsubscribing")
		}
		in.sub = nil
	}
	in.logger.Info("attribute ingestion stopped",
		"received", in.received.Load(),
		"rejected", in.rejected.Load())
	return nil
}

// Stats reports how many events were forwarded and how many were
// rejected as undecodable or unaccepted.
func (in *Input) Stats() (received, rejected int64) {
	return in.received.Load(), in.rejected.Load()
}

func (in *Input) handle(ctx context.Context, msg *nats.Msg) {
	if !in.running.Load() {
		return
	}

	var wire wireEvent
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		in.rejected.Add(1)
		if in.metrics != nil {
			in.metrics.RecordError("attributes-input", "decode")
		}
		in.logger.Warn("dropping undecodable attribute event",
			"subject", msg.Subject,
			"bytes", len(msg.Data),
			"error", err)
		return
	}
	if wire.Ref.AssetID == "" {
		in.rejected.Add(1)
		in.logger.Warn("dropping attribute event without asset ID",
			"subject", msg.Subject)
		return
	}

	ev := asset.AttributeEvent{
		Ref:       wire.Ref,
		Realm:     wire.Realm,
		Value:     wire.Value,
		Timestamp: timestamp.FromUnixMs(timestamp.Parse(wire.Timestamp)),
		Deleted:   wire.Deleted,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if err := in.sink.OnAssetAttributeChanged(ctx, ev); err != nil {
		in.rejected.Add(1)
		in.logger.Warn("attribute event rejected",
			"asset", ev.Ref.AssetID,
			"attribute", ev.Ref.AttributeName,
			"error", err)
		return
	}
	in.received.Add(1)
}

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/metrics"
)

// DefaultRequestTimeout bounds every request/reply when the caller's context has no deadline.
const DefaultRequestTimeout = 5 * time.Second

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL            string
	Name           string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// NATS implements Bus over a NATS connection.
type NATS struct {
	conn    *nats.Conn
	log     *zap.Logger
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
}

// ConnectNATS dials NATS, retrying with exponential backoff until cfg.ConnectTimeout.
func ConnectNATS(ctx context.Context, cfg NATSConfig, log *zap.Logger) (*NATS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("module", "bus"))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = connectTimeout

	var conn *nats.Conn
	connect := func() error {
		var err error
		conn, err = nats.Connect(cfg.URL, opts...)
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("NATS not ready, retrying", zap.Error(err), zap.Duration("next", next))
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return NewNATS(conn, cfg.RequestTimeout, log), nil
}

// NewNATS wraps an established connection.
func NewNATS(conn *nats.Conn, requestTimeout time.Duration, log *zap.Logger) *NATS {
	if log == nil {
		log = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	settings := gobreaker.Settings{
		Name:        "BusRequestCB",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &NATS{
		conn:    conn,
		log:     log,
		timeout: requestTimeout,
		breaker: gobreaker.NewCircuitBreaker(settings),
		tracer:  otel.Tracer("github.com/nmxmxh/ultrachat-gateway/pkg/bus"),
	}
}

// Publish sends a fire-and-forget event.
func (n *NATS) Publish(ctx context.Context, subject string, data any) error {
	_, span := n.tracer.Start(ctx, "publish "+subject, trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.system", "nats"), attribute.String("messaging.destination.name", subject)))
	defer span.End()

	body, err := EncodeEvent(subject, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Mark(err, errors.ErrMalformedPayload)
	}
	if err := n.conn.Publish(subject, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Mark(err, errors.ErrRequestFailed)
	}
	return nil
}

// Request sends a request and decodes the reply into out. Transport failures count
// against the circuit breaker; errors reported by the responder do not.
func (n *NATS) Request(ctx context.Context, subject string, data any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	ctx, span := n.tracer.Start(ctx, "request "+subject, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("messaging.system", "nats"), attribute.String("messaging.destination.name", subject)))
	defer span.End()

	start := time.Now()
	err := n.request(ctx, subject, data, out)
	metrics.BusRequestDuration.WithLabelValues(subject, resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (n *NATS) request(ctx context.Context, subject string, data any, out any) error {
	body, id, err := EncodeRequest(subject, data)
	if err != nil {
		return errors.Mark(err, errors.ErrMalformedPayload)
	}

	res, err := n.breaker.Execute(func() (interface{}, error) {
		return n.conn.RequestWithContext(ctx, subject, body)
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return errors.Mark(err, errors.ErrRequestTimeout)
		default:
			return errors.Mark(err, errors.ErrRequestFailed)
		}
	}

	msg := res.(*nats.Msg)
	n.log.Debug("bus reply", zap.String("subject", subject), zap.String("request_id", id))
	return DecodeReply(msg.Data, out)
}

// Subscribe registers a plain subscription. NATS delivers messages of one
// subscription sequentially, so h observes publish order.
func (n *NATS) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		ctx, span := n.tracer.Start(context.Background(), "process "+msg.Subject, trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("messaging.system", "nats"), attribute.String("messaging.destination.name", msg.Subject)))
		defer span.End()
		h(ctx, msg.Subject, DecodeEvent(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Name implements health.HealthCheck.
func (n *NATS) Name() string {
	return "nats"
}

// Check implements health.HealthCheck.
func (n *NATS) Check(_ context.Context) error {
	if status := n.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection status %s", status)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

var _ Bus = (*NATS)(nil)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, errors.ErrRequestTimeout):
		return metrics.ResultTimeout
	default:
		return metrics.ResultError
	}
}

// Package relay fans a signed event out to a set of independent relay
// endpoints over websockets and aggregates the per-endpoint outcomes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/platform/metrics"
)

var (
	ErrNoEndpointAccepted = errors.New("relay: no endpoint accepted the event")
	ErrDialThrottled      = errors.New("relay: endpoint redial throttled")
)

// Result is the outcome at one endpoint.
type Result struct {
	Endpoint string
	Accepted bool
	Reason   string // relay-provided OK/NOTICE message, when any
	Err      error
}

// Receipt aggregates a full fan-out.
type Receipt struct {
	EventID string
	Results []Result
}

// AcceptedEndpoints lists the endpoints that acknowledged the event.
func (r Receipt) AcceptedEndpoints() []string {
	var out []string
	for _, res := range r.Results {
		if res.Accepted {
			out = append(out, res.Endpoint)
		}
	}
	return out
}

// PartialFailure reports success with at least one failed endpoint. It is
// metadata, not an error.
func (r Receipt) PartialFailure() bool {
	accepted := len(r.AcceptedEndpoints())
	return accepted > 0 && accepted < len(r.Results)
}

// NoEndpointAcceptedError carries the complete per-endpoint result set for
// diagnostics when every endpoint failed.
type NoEndpointAcceptedError struct {
	Results []Result
}

func (e *NoEndpointAcceptedError) Error() string {
	return fmt.Sprintf("relay: no endpoint accepted the event (%d tried)", len(e.Results))
}

func (e *NoEndpointAcceptedError) Is(target error) bool {
	return target == ErrNoEndpointAccepted
}

// Conn is a message-oriented connection to one relay.
type Conn interface {
	WriteJSON(ctx context.Context, v any) error
	ReadJSON(ctx context.Context, v any) error
	Close() error
}

// Dialer opens relay connections; swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type Publisher struct {
	dialer  Dialer
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	redials map[string]*rate.Limiter
}

type Option func(*Publisher)

func WithDialer(d Dialer) Option { return func(p *Publisher) { p.dialer = d } }

func WithTimeout(d time.Duration) Option { return func(p *Publisher) { p.timeout = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Publisher) { p.metrics = m } }

func NewPublisher(logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		dialer:  websocketDialer{},
		timeout: 10 * time.Second,
		logger:  logger,
		redials: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends ev to every endpoint concurrently and waits for all
// outcomes; it never races to the first response. Success means at least one
// acknowledgment; the receipt carries every per-endpoint result either way.
// Cancelling ctx stops pending sends, but acknowledgments already received
// stay counted.
func (p *Publisher) Publish(ctx context.Context, endpoints []string, ev *event.Event) (Receipt, error) {
	receipt := Receipt{EventID: ev.ID, Results: make([]Result, len(endpoints))}
	if len(endpoints) == 0 {
		return receipt, &NoEndpointAcceptedError{}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := time.Now()
	var wg sync.WaitGroup
	for i, endpoint := range endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			receipt.Results[i] = p.publishOne(ctx, endpoint, ev)
		}(i, endpoint)
	}
	wg.Wait()

	if p.metrics != nil {
		p.metrics.PublishDuration.Observe(time.Since(started).Seconds())
	}
	accepted := receipt.AcceptedEndpoints()
	if len(accepted) == 0 {
		return receipt, &NoEndpointAcceptedError{Results: receipt.Results}
	}
	if receipt.PartialFailure() {
		p.logger.Warn("partial relay delivery",
			"event_id", ev.ID,
			"accepted", len(accepted),
			"total", len(endpoints))
	}
	return receipt, nil
}

func (p *Publisher) publishOne(ctx context.Context, endpoint string, ev *event.Event) Result {
	res := Result{Endpoint: endpoint}
	if p.metrics != nil {
		p.metrics.PublishAttempts.WithLabelValues(endpoint).Inc()
	}
	if !p.redialLimiter(endpoint).Allow() {
		res.Err = ErrDialThrottled
		p.recordFailure(endpoint)
		return res
	}

	conn, err := p.dialer.Dial(ctx, endpoint)
	if err != nil {
		res.Err = fmt.Errorf("dial %s: %w", endpoint, err)
		p.recordFailure(endpoint)
		return res
	}
	defer conn.Close()

	if err := conn.WriteJSON(ctx, []any{"EVENT", ev}); err != nil {
		res.Err = fmt.Errorf("send to %s: %w", endpoint, err)
		p.recordFailure(endpoint)
		return res
	}

	accepted, reason, err := awaitAck(ctx, conn, ev.ID)
	res.Accepted = accepted
	res.Reason = reason
	res.Err = err
	if accepted {
		if p.metrics != nil {
			p.metrics.PublishAccepted.WithLabelValues(endpoint).Inc()
		}
	} else {
		p.recordFailure(endpoint)
	}
	return res
}

// awaitAck reads frames until the OK for our event id arrives or ctx ends.
// NOTICE and unrelated frames are skipped.
func awaitAck(ctx context.Context, conn Conn, eventID string) (bool, string, error) {
	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(ctx, &frame); err != nil {
			return false, "", fmt.Errorf("await ack: %w", err)
		}
		if len(frame) < 3 {
			continue
		}
		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil || kind != "OK" {
			continue
		}
		var id string
		if err := json.Unmarshal(frame[1], &id); err != nil || id != eventID {
			continue
		}
		var accepted bool
		if err := json.Unmarshal(frame[2], &accepted); err != nil {
			return false, "", fmt.Errorf("await ack: malformed OK frame")
		}
		var reason string
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &reason)
		}
		return accepted, reason, nil
	}
}

func (p *Publisher) recordFailure(endpoint string) {
	if p.metrics != nil {
		p.metrics.PublishFailures.WithLabelValues(endpoint).Inc()
	}
}

// redialLimiter paces reconnect attempts per endpoint so a flapping relay is
// not hammered by every publish.
func (p *Publisher) redialLimiter(endpoint string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.redials[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Every(200*time.Millisecond), 20)
		p.redials[endpoint] = l
	}
	return l
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/identity"
)

type fakeConn struct {
	accept  bool
	reason  string
	hang    bool
	eventID string
	closed  *atomic.Int32
	replied bool
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	frame, ok := v.([]any)
	if !ok || len(frame) != 2 {
		return fmt.Errorf("unexpected frame %v", v)
	}
	ev, ok := frame[1].(*event.Event)
	if !ok {
		return fmt.Errorf("frame payload is not an event")
	}
	c.eventID = ev.ID
	return nil
}

func (c *fakeConn) ReadJSON(ctx context.Context, v any) error {
	if c.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.replied {
		<-ctx.Done()
		return ctx.Err()
	}
	c.replied = true
	raw, err := json.Marshal([]any{"OK", c.eventID, c.accept, c.reason})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  map[string]*fakeConn
	closed atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) add(endpoint string, accept bool, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[endpoint] = &fakeConn{accept: accept, reason: reason, closed: &d.closed}
}

func (d *fakeDialer) addHanging(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[endpoint] = &fakeConn{hang: true, closed: &d.closed}
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.conns[endpoint]
	if !ok {
		return nil, fmt.Errorf("connection refused")
	}
	return conn, nil
}

func signedEvent(t *testing.T) *event.Event {
	t.Helper()
	secret, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret failed: %v", err)
	}
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      event.KindResource,
		Tags:      []event.Tag{{"d", "res-1"}},
		Content:   "hello",
	}
	if err := ev.Sign(secret); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return ev
}

func TestPublishListsExactlySucceedingEndpoints(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("wss://a.example", true, "")
	dialer.add("wss://b.example", false, "blocked: spam")
	dialer.add("wss://c.example", true, "")
	// wss://d.example refuses the dial entirely.

	p := NewPublisher(nil, WithDialer(dialer), WithTimeout(2*time.Second))
	receipt, err := p.Publish(context.Background(),
		[]string{"wss://a.example", "wss://b.example", "wss://c.example", "wss://d.example"},
		signedEvent(t))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := receipt.AcceptedEndpoints()
	sort.Strings(got)
	want := []string{"wss://a.example", "wss://c.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("accepted endpoints = %v, want %v", got, want)
	}
	if !receipt.PartialFailure() {
		t.Fatal("partial failure should be reported as metadata")
	}
	if len(receipt.Results) != 4 {
		t.Fatalf("every endpoint must have a result, got %d", len(receipt.Results))
	}
}

func TestPublishZeroSuccessesIsHardFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("wss://a.example", false, "rejected")

	p := NewPublisher(nil, WithDialer(dialer), WithTimeout(2*time.Second))
	receipt, err := p.Publish(context.Background(),
		[]string{"wss://a.example", "wss://b.example"}, signedEvent(t))
	if !errors.Is(err, ErrNoEndpointAccepted) {
		t.Fatalf("expected ErrNoEndpointAccepted, got %v", err)
	}

	var full *NoEndpointAcceptedError
	if !errors.As(err, &full) {
		t.Fatalf("error should carry the result set: %v", err)
	}
	if len(full.Results) != 2 {
		t.Fatalf("diagnostic results incomplete: %v", full.Results)
	}
	if len(receipt.AcceptedEndpoints()) != 0 {
		t.Fatal("no endpoint should be listed as accepted")
	}
}

func TestPublishReleasesConnectionsOnAllPaths(t *testing.T) {
	dialer := newFakeDialer()
	dialer.add("wss://ok.example", true, "")
	dialer.add("wss://no.example", false, "nope")
	dialer.addHanging("wss://hang.example")

	p := NewPublisher(nil, WithDialer(dialer), WithTimeout(300*time.Millisecond))
	_, err := p.Publish(context.Background(),
		[]string{"wss://ok.example", "wss://no.example", "wss://hang.example"}, signedEvent(t))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if got := dialer.closed.Load(); got != 3 {
		t.Fatalf("all dialed connections must be closed, closed=%d", got)
	}
}

func TestPublishCancellationPropagates(t *testing.T) {
	dialer := newFakeDialer()
	dialer.addHanging("wss://hang.example")

	p := NewPublisher(nil, WithDialer(dialer), WithTimeout(10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, err := p.Publish(ctx, []string{"wss://hang.example"}, signedEvent(t))
	if !errors.Is(err, ErrNoEndpointAccepted) {
		t.Fatalf("expected ErrNoEndpointAccepted, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("cancellation did not propagate, took %s", elapsed)
	}
}

func TestAwaitAckSkipsUnrelatedFrames(t *testing.T) {
	// A relay may interleave NOTICE frames and OKs for other events before
	// answering ours.
	conn := &scriptedConn{frames: []string{
		`["NOTICE","slow down"]`,
		`["OK","other-id",true,""]`,
		`["OK","target-id",false,"invalid: bad sig"]`,
	}}
	accepted, reason, err := awaitAck(context.Background(), conn, "target-id")
	if err != nil {
		t.Fatalf("await ack failed: %v", err)
	}
	if accepted {
		t.Fatal("rejection should not count as acceptance")
	}
	if reason != "invalid: bad sig" {
		t.Fatalf("relay reason should be preserved: %q", reason)
	}
}

type scriptedConn struct {
	frames []string
	pos    int
}

func (c *scriptedConn) WriteJSON(context.Context, any) error { return nil }

func (c *scriptedConn) ReadJSON(_ context.Context, v any) error {
	if c.pos >= len(c.frames) {
		return fmt.Errorf("out of frames")
	}
	raw := c.frames[c.pos]
	c.pos++
	return json.Unmarshal([]byte(raw), v)
}

func (c *scriptedConn) Close() error { return nil }

package bus

import (
	"context"
	"sync"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// Responder answers a request on the in-memory bus.
type Responder func(ctx context.Context, data json.RawMessage) (any, error)

// Memory is an in-process Bus. Publish delivers to subscribers synchronously on the
// caller's goroutine and records every event so tests can assert on them.
type Memory struct {
	mu         sync.Mutex
	subs       map[string][]*memorySub
	responders map[string]Responder
	published  map[string][]json.RawMessage
	nextID     int
}

type memorySub struct {
	id      int
	subject string
	h       Handler
	bus     *Memory
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		subs:       make(map[string][]*memorySub),
		responders: make(map[string]Responder),
		published:  make(map[string][]json.RawMessage),
	}
}

// Handle installs the responder for subject.
func (m *Memory) Handle(subject string, r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[subject] = r
}

// Publish records data and hands it to every subscriber of subject.
func (m *Memory) Publish(ctx context.Context, subject string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Mark(err, errors.ErrMalformedPayload)
	}

	m.mu.Lock()
	m.published[subject] = append(m.published[subject], raw)
	subs := append([]*memorySub(nil), m.subs[subject]...)
	m.mu.Unlock()

	for _, s := range subs {
		s.h(ctx, subject, raw)
	}
	return nil
}

// Request invokes the responder for subject, honouring ctx's deadline.
func (m *Memory) Request(ctx context.Context, subject string, data any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	m.mu.Lock()
	r, ok := m.responders[subject]
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(errors.ErrRequestFailed, "no responders for "+subject)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Mark(err, errors.ErrMalformedPayload)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, rerr := r(ctx, raw)
		body, err := EncodeReply("memory", resp, rerr)
		done <- result{body: body, err: err}
	}()

	select {
	case res := <-done:
		if ctx.Err() != nil {
			return errors.Mark(ctx.Err(), errors.ErrRequestTimeout)
		}
		if res.err != nil {
			return errors.Mark(res.err, errors.ErrRequestFailed)
		}
		return DecodeReply(res.body, out)
	case <-ctx.Done():
		return errors.Mark(ctx.Err(), errors.ErrRequestTimeout)
	}
}

// Subscribe registers h for subject.
func (m *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &memorySub{id: m.nextID, subject: subject, h: h, bus: m}
	m.subs[subject] = append(m.subs[subject], sub)
	return sub, nil
}

// Published returns a copy of the events recorded for subject.
func (m *Memory) Published(subject string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]json.RawMessage(nil), m.published[subject]...)
}

var _ Bus = (*Memory)(nil)

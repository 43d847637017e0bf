package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/agentworkforce/fieldsync/internal/entity"
)

type fakeGateway[T entity.Record] struct {
	mu        sync.Mutex
	byScope   map[string][]T
	fetchErr  error
	createErr error
	updateErr error
	deleteErr error
	block     chan struct{}
	// beforeMutate runs at the start of Create.
	beforeMutate func()
	fetchCalls   int
	scopes       []string
}

func newFakeGateway[T entity.Record](records ...T) *fakeGateway[T] {
	return &fakeGateway[T]{byScope: map[string][]T{"": records}}
}

func (g *fakeGateway[T]) set(scope string, records ...T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byScope[scope] = records
}

func (g *fakeGateway[T]) setFetchErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchErr = err
}

func (g *fakeGateway[T]) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls
}

func (g *fakeGateway[T]) Fetch(ctx context.Context, scope string) ([]T, error) {
	g.mu.Lock()
	g.fetchCalls++
	g.scopes = append(g.scopes, scope)
	block := g.block
	err := g.fetchErr
	out := append([]T(nil), g.byScope[scope]...)
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *fakeGateway[T]) Create(ctx context.Context, scope string, payload any) (T, error) {
	var zero T
	if g.beforeMutate != nil {
		g.beforeMutate()
	}
	record, ok := payload.(T)
	if !ok {
		return zero, errors.New("unexpected payload type")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return zero, g.createErr
	}
	g.byScope[scope] = append([]T{record}, g.byScope[scope]...)
	return record, nil
}

func (g *fakeGateway[T]) Update(ctx context.Context, scope, id string, patch any) (T, error) {
	var zero T
	record, ok := patch.(T)
	if !ok {
		return zero, errors.New("unexpected patch type")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updateErr != nil {
		return zero, g.updateErr
	}
	for i, existing := range g.byScope[scope] {
		if existing.RecordID() == id {
			g.byScope[scope][i] = record
			return record, nil
		}
	}
	return zero, &StaleTargetError{Kind: "record", ID: id}
}

func (g *fakeGateway[T]) Delete(ctx context.Context, scope, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	records := g.byScope[scope]
	for i, existing := range records {
		if existing.RecordID() == id {
			g.byScope[scope] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return &StaleTargetError{Kind: "record", ID: id}
}

type fakeStream struct {
	mu     sync.Mutex
	events chan Event
	closed bool
	// leaky streams keep delivering after Close, like a socket that has not
	// noticed the hangup yet.
	leaky bool
}

func (s *fakeStream) Events() <-chan Event {
	return s.events
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.leaky {
		s.closed = true
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && !s.leaky {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
	err     error
	leaky   bool
	panics  bool
	// preload is queued on every new stream before Subscribe returns.
	preload []Event
	// block makes Subscribe wait for ctx like an unreachable host.
	block bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: map[string][]*fakeStream{}}
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string) (Stream, error) {
	if f.panics {
		panic("socket exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	stream := &fakeStream{events: make(chan Event, 32), leaky: f.leaky}
	for _, event := range f.preload {
		stream.events <- event
	}
	f.streams[channel] = append(f.streams[channel], stream)
	return stream, nil
}

func (f *fakeTransport) latest(channel string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	streams := f.streams[channel]
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

func (f *fakeTransport) opened(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[channel])
}

// emit delivers name/data to the newest stream on channel.
func (f *fakeTransport) emit(channel, name string, data any) bool {
	stream := f.latest(channel)
	if stream == nil {
		return false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return stream.send(Event{Channel: channel, Name: name, Data: raw})
}

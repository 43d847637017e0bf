package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event is one named push event delivered on a channel.
type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Stream is an open channel. Events is closed when the stream ends.
type Stream interface {
	Events() <-chan Event
	Close() error
}

type Transport interface {
	Subscribe(ctx context.Context, channel string) (Stream, error)
}

type Handler func(Event)

var errChannelEnded = errors.New("stream ended")

// Subscriber opens channels on a transport. A nil transport is allowed and
// yields degraded subscriptions, which leaves the caller on polling only.
type Subscriber struct {
	transport Transport
	logger    Logger
}

func NewSubscriber(transport Transport, logger Logger) *Subscriber {
	return &Subscriber{transport: transport, logger: logger}
}

// Subscription is the handle for one open (or failed) channel.
type Subscription struct {
	channel string
	logger  Logger
	err     error

	mu       sync.RWMutex
	handlers map[string][]Handler

	closed    atomic.Bool
	ended     atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	stream    Stream
	done      chan struct{}
}

// Open subscribes to channel. It never fails: when the transport is missing,
// errors or panics, the returned handle is degraded and Err reports
// ErrChannelUnavailable. bind runs on an open subscription before the first
// event is dispatched.
func (s *Subscriber) Open(ctx context.Context, channel string, bind ...func(*Subscription)) *Subscription {
	sub := &Subscription{
		channel:  channel,
		logger:   s.logger,
		handlers: map[string][]Handler{},
		done:     make(chan struct{}),
	}
	if s.transport == nil {
		sub.err = &ChannelError{Channel: channel}
		close(sub.done)
		return sub
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := subscribeSafely(streamCtx, s.transport, channel)
	if err != nil {
		cancel()
		sub.err = &ChannelError{Channel: channel, Err: err}
		sub.logf("channel %s unavailable; continuing with polling only: %v", channel, err)
		close(sub.done)
		return sub
	}
	sub.cancel = cancel
	sub.stream = stream
	for _, fn := range bind {
		fn(sub)
	}
	go sub.dispatch()
	return sub
}

func subscribeSafely(ctx context.Context, transport Transport, channel string) (stream Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			stream = nil
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	stream, err = transport.Subscribe(ctx, channel)
	if err == nil && stream == nil {
		err = fmt.Errorf("transport returned no stream")
	}
	return stream, err
}

func (s *Subscription) Channel() string {
	return s.channel
}

// Available reports whether the channel is open and still delivering.
func (s *Subscription) Available() bool {
	return s.err == nil && !s.ended.Load()
}

func (s *Subscription) Err() error {
	if s.err != nil {
		return s.err
	}
	if s.ended.Load() {
		return &ChannelError{Channel: s.channel, Err: errChannelEnded}
	}
	return nil
}

// On registers handler for events named name. Handlers registered on a
// degraded or closed subscription are never called.
func (s *Subscription) On(name string, handler Handler) {
	if s == nil || handler == nil {
		return
	}
	s.mu.Lock()
	s.handlers[name] = append(s.handlers[name], handler)
	s.mu.Unlock()
}

// Close releases the channel. It is safe to call repeatedly, on degraded
// handles, and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		if s.stream != nil {
			if err := s.stream.Close(); err != nil {
				s.logf("close channel %s: %v", s.channel, err)
			}
		}
	})
}

// Done is closed once no more handlers will run.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) dispatch() {
	defer close(s.done)
	defer s.ended.Store(true)
	events := s.stream.Events()
	for event := range events {
		if s.closed.Load() {
			return
		}
		s.mu.RLock()
		handlers := append([]Handler(nil), s.handlers[event.Name]...)
		s.mu.RUnlock()
		for _, handler := range handlers {
			if s.closed.Load() {
				return
			}
			s.invoke(handler, event)
		}
	}
	if !s.closed.Load() {
		s.logf("channel %s ended; continuing with polling only", s.channel)
	}
}

func (s *Subscription) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("channel %s %s handler panic: %v", s.channel, event.Name, r)
		}
	}()
	handler(event)
}

func (s *Subscription) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

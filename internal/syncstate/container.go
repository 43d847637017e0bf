package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/fieldsync/internal/entity"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLive
	PhaseError
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLive:
		return "live"
	case PhaseError:
		return "error"
	case PhaseClosed:
		return "closed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// Gateway is the remote side of one entity kind: the fetch call used by
// polling and the three mutation calls. scope is the parent id for scoped
// kinds and empty otherwise.
type Gateway[T entity.Record] interface {
	Fetch(ctx context.Context, scope string) ([]T, error)
	Create(ctx context.Context, scope string, payload any) (T, error)
	Update(ctx context.Context, scope, id string, patch any) (T, error)
	Delete(ctx context.Context, scope, id string) error
}

type Options[T entity.Record] struct {
	Kind    entity.Kind
	Gateway Gateway[T]
	// Transport feeds push events. Nil means polling only.
	Transport Transport
	Interval  time.Duration
	Jitter    float64
	// Counter defines the derived count, e.g. entity.Unread for notifications.
	Counter func(T) bool
	// Decode turns a push payload into a record. Defaults to entity.Decode.
	Decode func(raw []byte) (T, error)
	// OnChange runs on the merge goroutine after every applied write. It must
	// not call Activate, Focus, Unfocus or Deactivate.
	OnChange  func(View[T])
	Logger    Logger
	QueueSize int
}

// View is a point-in-time copy of a container's consumer-facing state.
type View[T entity.Record] struct {
	Kind    entity.Kind
	Scope   string
	Phase   Phase
	Items   []T
	Derived int
	Err     error
}

func (v View[T]) Loading() bool {
	return v.Phase == PhaseLoading
}

// Container keeps one entity collection in sync for one consumer. Every
// write goes through the session's merge queue; readers get copies.
type Container[T entity.Record] struct {
	kind       entity.Kind
	gateway    Gateway[T]
	subscriber *Subscriber
	interval   time.Duration
	jitter     float64
	decode     func(raw []byte) (T, error)
	onChange   func(View[T])
	logger     Logger
	queueSize  int
	fetches    singleflight.Group

	lifeMu sync.Mutex

	mu    sync.RWMutex
	epoch uint64
	sess  *session[T]
	scope string
	phase Phase
	err   error
	items *Collection[T]
}

type session[T entity.Record] struct {
	epoch      uint64
	scope      string
	ctx        context.Context
	cancel     context.CancelFunc
	inbox      chan mergeOp[T]
	engineDone chan struct{}
	scheduler  *Scheduler

	// subMu guards subs and closing; the channel opener and teardown race on them.
	subMu        sync.Mutex
	subs         []*Subscription
	closing      bool
	channelReady chan struct{}
}

func NewContainer[T entity.Record](opts Options[T]) (*Container[T], error) {
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind: %q", opts.Kind)
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval(opts.Kind)
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	decode := opts.Decode
	if decode == nil {
		kind := opts.Kind
		decode = func(raw []byte) (T, error) {
			return entity.Decode[T](kind, raw)
		}
	}
	return &Container[T]{
		kind:       opts.Kind,
		gateway:    opts.Gateway,
		subscriber: NewSubscriber(opts.Transport, opts.Logger),
		interval:   interval,
		jitter:     opts.Jitter,
		decode:     decode,
		onChange:   opts.OnChange,
		logger:     opts.Logger,
		queueSize:  queueSize,
		items:      NewCollection[T](opts.Counter),
	}, nil
}

// DefaultInterval is the poll cadence used when Options.Interval is unset.
func DefaultInterval(kind entity.Kind) time.Duration {
	switch kind {
	case entity.KindAgents, entity.KindMessages:
		return 10 * time.Second
	case entity.KindReports, entity.KindNotifications:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

func (c *Container[T]) Kind() entity.Kind {
	return c.kind
}

// Activate starts polling and push delivery for an unscoped kind. ctx bounds
// the session. Activating an active container is a no-op.
func (c *Container[T]) Activate(ctx context.Context) error {
	if c.kind.Scoped() {
		return fmt.Errorf("%w: %s must be focused on a parent id", ErrScopeRequired, c.kind)
	}
	return c.start(ctx, "")
}

// Focus points a scoped container at a parent id. Any previous scope's
// channel and timer are released and its records discarded first.
func (c *Container[T]) Focus(ctx context.Context, scope string) error {
	if !c.kind.Scoped() {
		return fmt.Errorf("%s is not a scoped kind", c.kind)
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return ErrScopeRequired
	}
	return c.start(ctx, scope)
}

// Unfocus releases the current scope and returns the container to idle.
func (c *Container[T]) Unfocus() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.stopLocked(PhaseIdle)
}

// Deactivate stops timers, releases channels and discards the collection.
// Results still in flight are dropped when they land.
func (c *Container[T]) Deactivate() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.stopLocked(PhaseClosed)
}

func (c *Container[T]) start(ctx context.Context, scope string) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.RLock()
	current := c.sess
	c.mu.RUnlock()
	if current != nil && current.scope == scope {
		return nil
	}
	c.stopLocked(PhaseIdle)

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session[T]{
		scope:        scope,
		ctx:          sessCtx,
		cancel:       cancel,
		inbox:        make(chan mergeOp[T], c.queueSize),
		engineDone:   make(chan struct{}),
		scheduler:    NewScheduler(c.logger, c.jitter),
		channelReady: make(chan struct{}),
	}

	c.mu.Lock()
	c.epoch++
	sess.epoch = c.epoch
	c.sess = sess
	c.scope = scope
	c.items.Reset()
	c.phase = PhaseLoading
	c.err = nil
	c.mu.Unlock()

	go c.runEngine(sess)

	// Polling starts before the channel is dialed so a stalled handshake
	// never delays the first load.
	key := c.timerKey(scope)
	sess.scheduler.Start(sessCtx, key, c.interval, func(tickCtx context.Context) error {
		return c.poll(tickCtx, sess)
	})
	sess.scheduler.TriggerNow(key)

	go c.openChannel(sess)
	return nil
}

// openChannel dials the session's push channel off the lifecycle lock. A
// subscription that opens after teardown started is closed right away.
func (c *Container[T]) openChannel(sess *session[T]) {
	defer close(sess.channelReady)
	sub := c.subscriber.Open(sess.ctx, entity.ChannelName(c.kind, sess.scope), func(opened *Subscription) {
		c.bindHandlers(sess, opened)
	})
	sess.subMu.Lock()
	if sess.closing {
		sess.subMu.Unlock()
		sub.Close()
		return
	}
	sess.subs = append(sess.subs, sub)
	sess.subMu.Unlock()
}

// stopLocked tears the session down in order: timers, channels, the merge
// goroutine, then the collection. Callers hold lifeMu.
func (c *Container[T]) stopLocked(next Phase) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		c.mu.Lock()
		if c.phase != PhaseIdle || next == PhaseClosed {
			c.phase = next
		}
		c.mu.Unlock()
		return
	}

	sess.scheduler.StopAll()
	sess.subMu.Lock()
	sess.closing = true
	subs := sess.subs
	sess.subs = nil
	sess.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	sess.cancel()
	<-sess.engineDone
	// Transports return from Subscribe once the session context is cancelled.
	<-sess.channelReady

	c.mu.Lock()
	c.epoch++
	c.sess = nil
	c.scope = ""
	c.items.Reset()
	c.phase = next
	c.err = nil
	c.mu.Unlock()
}

func (c *Container[T]) timerKey(scope string) string {
	if scope == "" {
		return string(c.kind)
	}
	return string(c.kind) + ":" + scope
}

func (c *Container[T]) bindHandlers(sess *session[T], sub *Subscription) {
	if !sub.Available() {
		return
	}
	upsert := func(event Event) {
		record, err := c.decode(event.Data)
		if err != nil {
			c.logf("drop %s %s event on %s: %v", c.kind, event.Name, event.Channel, err)
			return
		}
		c.submit(sess, mergeOp[T]{kind: opUpsert, record: record, pos: AtHead})
	}
	sub.On(EventCreated, upsert)
	sub.On(EventUpdated, upsert)
	sub.On(EventDeleted, func(event Event) {
		id, err := decodeDeletedID(event.Data)
		if err != nil {
			c.logf("drop %s delete event on %s: %v", c.kind, event.Channel, err)
			return
		}
		c.submit(sess, mergeOp[T]{kind: opRemove, id: id})
	})
}

func decodeDeletedID(raw []byte) (string, error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil && strings.TrimSpace(bare) != "" {
		return strings.TrimSpace(bare), nil
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return "", fmt.Errorf("missing id")
	}
	return strings.TrimSpace(payload.ID), nil
}

func (c *Container[T]) poll(ctx context.Context, sess *session[T]) error {
	records, err := c.fetch(ctx, sess)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.submit(sess, mergeOp[T]{kind: opFetchFailed, err: err})
		return err
	}
	c.submit(sess, mergeOp[T]{kind: opSnapshot, records: records})
	return nil
}

// fetch shares one in-flight gateway call between poll ticks and manual
// refreshes of the same session.
func (c *Container[T]) fetch(ctx context.Context, sess *session[T]) ([]T, error) {
	key := strconv.FormatUint(sess.epoch, 10)
	ch := c.fetches.DoChan(key, func() (any, error) {
		return c.gateway.Fetch(sess.ctx, sess.scope)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		records, _ := res.Val.([]T)
		return records, nil
	}
}

// Refresh fetches now and returns once the result is in the collection.
func (c *Container[T]) Refresh(ctx context.Context) error {
	sess := c.current()
	if sess == nil {
		return ErrNotActive
	}
	records, err := c.fetch(ctx, sess)
	if err != nil {
		if ctx.Err() == nil && sess.ctx.Err() == nil {
			c.submitAndWait(sess, mergeOp[T]{kind: opFetchFailed, err: err})
		}
		return fmt.Errorf("refresh %s: %w", c.kind, err)
	}
	if !c.submitAndWait(sess, mergeOp[T]{kind: opSnapshot, records: records}) {
		return fmt.Errorf("refresh %s: %w", c.kind, ErrNotActive)
	}
	return nil
}

func (c *Container[T]) current() *session[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Container[T]) View() View[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View[T]{
		Kind:    c.kind,
		Scope:   c.scope,
		Phase:   c.phase,
		Items:   c.items.Items(),
		Derived: c.items.Derived(),
		Err:     c.err,
	}
}

func (c *Container[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.Items()
}

func (c *Container[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.Get(id)
}

func (c *Container[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.Len()
}

func (c *Container[T]) Derived() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.Derived()
}

func (c *Container[T]) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Container[T]) IsLoading() bool {
	return c.Phase() == PhaseLoading
}

// Err is the last poll failure, cleared by the next successful fetch or
// confirmed mutation.
func (c *Container[T]) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Scope is the parent id a scoped container is focused on.
func (c *Container[T]) Scope() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope
}

// ChannelAvailable reports whether the current session has a live push channel.
func (c *Container[T]) ChannelAvailable() bool {
	sess := c.current()
	if sess == nil {
		return false
	}
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	for _, sub := range sess.subs {
		if sub.Available() {
			return true
		}
	}
	return false
}

// channelSettled reports whether the current session finished dialing its
// channel, successfully or not.
func (c *Container[T]) channelSettled() bool {
	sess := c.current()
	if sess == nil {
		return false
	}
	select {
	case <-sess.channelReady:
		return true
	default:
		return false
	}
}

func (c *Container[T]) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

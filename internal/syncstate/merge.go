package syncstate

type opKind int

const (
	opSnapshot opKind = iota
	opFetchFailed
	opUpsert
	opRemove
)

// mergeOp is one item on a session's inbound queue. Poll results, push
// events and confirmed mutations all arrive as mergeOps and are applied one
// at a time by the session's engine goroutine.
type mergeOp[T any] struct {
	kind    opKind
	epoch   uint64
	record  T
	records []T
	id      string
	pos     Position
	err     error
	// confirmed marks a mutation result the service already accepted.
	confirmed bool
	applied   chan bool
}

func (c *Container[T]) runEngine(sess *session[T]) {
	defer close(sess.engineDone)
	for {
		select {
		case <-sess.ctx.Done():
			return
		case op := <-sess.inbox:
			applied := c.apply(sess, op)
			if op.applied != nil {
				op.applied <- applied
			}
			if applied && c.onChange != nil {
				c.onChange(c.View())
			}
		}
	}
}

// apply is the only code path that writes the collection, the phase and the
// error flag while a session is live.
func (c *Container[T]) apply(sess *session[T], op mergeOp[T]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.ctx.Err() != nil || c.sess != sess || op.epoch != c.epoch {
		return false
	}
	switch op.kind {
	case opSnapshot:
		c.items.UpsertMany(op.records, true)
		c.phase = PhaseLive
		c.err = nil
	case opFetchFailed:
		c.err = op.err
		c.phase = PhaseError
	case opUpsert:
		c.items.Upsert(op.record, op.pos)
		c.markConfirmedLocked(op)
	case opRemove:
		c.items.Remove(op.id)
		c.markConfirmedLocked(op)
	default:
		return false
	}
	return true
}

func (c *Container[T]) markConfirmedLocked(op mergeOp[T]) {
	if op.confirmed && c.phase == PhaseError {
		c.phase = PhaseLive
		c.err = nil
	}
}

// submit queues op without waiting for it to be applied. It reports false
// when the session is already torn down.
func (c *Container[T]) submit(sess *session[T], op mergeOp[T]) bool {
	op.epoch = sess.epoch
	select {
	case <-sess.ctx.Done():
		return false
	default:
	}
	select {
	case sess.inbox <- op:
		return true
	case <-sess.ctx.Done():
		return false
	}
}

// submitAndWait queues op and blocks until the engine has applied or dropped it.
func (c *Container[T]) submitAndWait(sess *session[T], op mergeOp[T]) bool {
	op.applied = make(chan bool, 1)
	if !c.submit(sess, op) {
		return false
	}
	select {
	case applied := <-op.applied:
		return applied
	case <-sess.ctx.Done():
		return false
	}
}

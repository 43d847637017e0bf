package syncstate

import (
	"context"
	"fmt"
	"strings"
)

// Create sends payload to the service and puts the confirmed record at the
// head of the collection before returning. When the container is torn down
// while the call is in flight, the service's record is returned together with
// ErrNotActive.
func (c *Container[T]) Create(ctx context.Context, payload any) (T, error) {
	var zero T
	sess := c.current()
	if sess == nil {
		return zero, fmt.Errorf("create %s: %w", c.kind, ErrNotActive)
	}
	record, err := c.gateway.Create(ctx, sess.scope, payload)
	if err != nil {
		return zero, fmt.Errorf("create %s: %w", c.kind, err)
	}
	if !c.submitAndWait(sess, mergeOp[T]{kind: opUpsert, record: record, pos: ToHead, confirmed: true}) {
		return record, fmt.Errorf("create %s: %w", c.kind, ErrNotActive)
	}
	return record, nil
}

// Update patches id on the service. The id does not need to be in the
// collection; a confirmed record for an unknown id is inserted at the head.
func (c *Container[T]) Update(ctx context.Context, id string, patch any) (T, error) {
	var zero T
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, fmt.Errorf("update %s: id is required", c.kind)
	}
	sess := c.current()
	if sess == nil {
		return zero, fmt.Errorf("update %s %s: %w", c.kind, id, ErrNotActive)
	}
	record, err := c.gateway.Update(ctx, sess.scope, id, patch)
	if err != nil {
		return zero, fmt.Errorf("update %s %s: %w", c.kind, id, err)
	}
	if !c.submitAndWait(sess, mergeOp[T]{kind: opUpsert, record: record, pos: AtHead, confirmed: true}) {
		return record, fmt.Errorf("update %s %s: %w", c.kind, id, ErrNotActive)
	}
	return record, nil
}

// Remove deletes id on the service and then from the collection.
func (c *Container[T]) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("remove %s: id is required", c.kind)
	}
	sess := c.current()
	if sess == nil {
		return fmt.Errorf("remove %s %s: %w", c.kind, id, ErrNotActive)
	}
	if err := c.gateway.Delete(ctx, sess.scope, id); err != nil {
		return fmt.Errorf("remove %s %s: %w", c.kind, id, err)
	}
	if !c.submitAndWait(sess, mergeOp[T]{kind: opRemove, id: id, confirmed: true}) {
		return fmt.Errorf("remove %s %s: %w", c.kind, id, ErrNotActive)
	}
	return nil
}

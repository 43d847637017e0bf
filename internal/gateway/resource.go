package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/agentworkforce/fieldsync/internal/entity"
	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

// Resource talks to the REST collection of one entity kind and implements
// syncstate.Gateway for it.
type Resource[T entity.Record] struct {
	client *Client
	kind   entity.Kind
	logger syncstate.Logger
}

func NewResource[T entity.Record](client *Client, kind entity.Kind, logger syncstate.Logger) *Resource[T] {
	return &Resource[T]{client: client, kind: kind, logger: logger}
}

func (r *Resource[T]) Kind() entity.Kind {
	return r.kind
}

// Fetch lists the collection. Records failing schema validation are logged
// and skipped so one bad row does not stall polling.
func (r *Resource[T]) Fetch(ctx context.Context, scope string) ([]T, error) {
	if err := r.checkScope(scope); err != nil {
		return nil, err
	}
	data, err := r.client.Do(ctx, http.MethodGet, entity.CollectionPath(r.kind, scope), nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &syncstate.RejectedError{StatusCode: http.StatusOK, Message: fmt.Sprintf("%s list response carries no data", r.kind)}
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &syncstate.RejectedError{StatusCode: http.StatusOK, Message: fmt.Sprintf("%s list is not an array: %v", r.kind, err)}
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		record, err := entity.Decode[T](r.kind, raw)
		if err != nil {
			r.logf("skip %s record: %v", r.kind, err)
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (r *Resource[T]) Create(ctx context.Context, scope string, payload any) (T, error) {
	var zero T
	if err := r.checkScope(scope); err != nil {
		return zero, err
	}
	data, err := r.client.Do(ctx, http.MethodPost, entity.CollectionPath(r.kind, scope), payload)
	if err != nil {
		return zero, err
	}
	return r.decode(data)
}

func (r *Resource[T]) Update(ctx context.Context, scope, id string, patch any) (T, error) {
	var zero T
	if err := r.checkScope(scope); err != nil {
		return zero, err
	}
	data, err := r.client.Do(ctx, http.MethodPatch, entity.ItemPath(r.kind, scope, id), patch)
	if err != nil {
		return zero, r.staleOr(id, err)
	}
	return r.decode(data)
}

func (r *Resource[T]) Delete(ctx context.Context, scope, id string) error {
	if err := r.checkScope(scope); err != nil {
		return err
	}
	_, err := r.client.Do(ctx, http.MethodDelete, entity.ItemPath(r.kind, scope, id), nil)
	if err != nil {
		return r.staleOr(id, err)
	}
	return nil
}

func (r *Resource[T]) checkScope(scope string) error {
	if r.kind.Scoped() && scope == "" {
		return fmt.Errorf("%w: %s", syncstate.ErrScopeRequired, r.kind)
	}
	return nil
}

func (r *Resource[T]) decode(data json.RawMessage) (T, error) {
	record, err := entity.Decode[T](r.kind, data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s response: %w", r.kind, err)
	}
	return record, nil
}

func (r *Resource[T]) staleOr(id string, err error) error {
	if statusCode(err) == http.StatusNotFound {
		return &syncstate.StaleTargetError{Kind: string(r.kind), ID: id}
	}
	return err
}

func (r *Resource[T]) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

package syncstate

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/fieldsync/internal/entity"
)

// Member is the lifecycle surface a Group drives.
type Member interface {
	Kind() entity.Kind
	Activate(ctx context.Context) error
	Refresh(ctx context.Context) error
	Deactivate()
}

// Group activates and deactivates a consumer's containers together.
type Group struct {
	members []Member
	logger  Logger
}

func NewGroup(logger Logger, members ...Member) *Group {
	return &Group{members: members, logger: logger}
}

func (g *Group) Members() []Member {
	return append([]Member(nil), g.members...)
}

// Start activates every member and waits for each first load. Members stay
// active when their first load fails; the first such error is returned.
func (g *Group) Start(ctx context.Context) error {
	var eg errgroup.Group
	for _, member := range g.members {
		eg.Go(func() error {
			if err := member.Activate(ctx); err != nil {
				return fmt.Errorf("activate %s: %w", member.Kind(), err)
			}
			if err := member.Refresh(ctx); err != nil {
				g.logf("initial load of %s failed: %v", member.Kind(), err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// Stop deactivates every member.
func (g *Group) Stop() {
	for _, member := range g.members {
		member.Deactivate()
	}
}

func (g *Group) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

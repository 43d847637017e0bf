package syncstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/entity"
)

func TestGroupStartLoadsEveryMember(t *testing.T) {
	reports := newReportContainer(t, newFakeGateway(report("a", "A")), nil)
	zonesGateway := newFakeGateway(entity.DangerZone{ID: "z1", Name: "Flooded underpass", RiskScore: 80})
	zones, err := NewContainer(Options[entity.DangerZone]{
		Kind:     entity.KindZones,
		Gateway:  zonesGateway,
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new container failed: %v", err)
	}

	group := NewGroup(nil, reports, zones)
	if err := group.Start(context.Background()); err != nil {
		t.Fatalf("group start failed: %v", err)
	}
	if reports.Phase() != PhaseLive || zones.Phase() != PhaseLive {
		t.Fatalf("expected every member live, got %s / %s", reports.Phase(), zones.Phase())
	}
	if zones.Len() != 1 || reports.Len() != 1 {
		t.Fatalf("expected first loads applied, got %d / %d", reports.Len(), zones.Len())
	}
	if len(group.Members()) != 2 {
		t.Fatalf("expected two members, got %d", len(group.Members()))
	}

	group.Stop()
	if reports.Phase() != PhaseClosed || zones.Phase() != PhaseClosed {
		t.Fatalf("expected every member closed, got %s / %s", reports.Phase(), zones.Phase())
	}
}

func TestGroupStartReportsFirstLoadFailure(t *testing.T) {
	gateway := newFakeGateway[entity.Report]()
	gateway.setFetchErr(&RejectedError{StatusCode: 503, Message: "maintenance"})
	reports := newReportContainer(t, gateway, nil)
	logger := &recordingLogger{}

	group := NewGroup(logger, reports)
	err := group.Start(context.Background())
	if !errors.Is(err, ErrServiceRejected) {
		t.Fatalf("expected rejection from first load, got %v", err)
	}
	if reports.Phase() != PhaseError {
		t.Fatalf("expected member to stay active in error phase, got %s", reports.Phase())
	}
	if logger.count() == 0 {
		t.Fatalf("expected failed first load to be logged")
	}
	group.Stop()
}

func TestGroupStartFailsForUnfocusedScopedMember(t *testing.T) {
	messages, err := NewContainer(Options[entity.ThreadMessage]{
		Kind:    entity.KindMessages,
		Gateway: newFakeGateway[entity.ThreadMessage](),
	})
	if err != nil {
		t.Fatalf("new container failed: %v", err)
	}
	group := NewGroup(nil, messages)
	if err := group.Start(context.Background()); !errors.Is(err, ErrScopeRequired) {
		t.Fatalf("expected scope error, got %v", err)
	}
}

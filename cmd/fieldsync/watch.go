package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldsync/internal/entity"
	"github.com/agentworkforce/fieldsync/internal/gateway"
	"github.com/agentworkforce/fieldsync/internal/pushchan"
	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

var defaultWatchKinds = []string{
	string(entity.KindReports),
	string(entity.KindAgents),
	string(entity.KindZones),
	string(entity.KindNotifications),
}

func newWatchCommand() *cobra.Command {
	var (
		opts       watchOptions
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow entity collections and print every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				file, err := loadWatchConfig(configPath)
				if err != nil {
					return err
				}
				mergeWatchConfig(&opts, file, cmd.Flags().Changed)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", strings.TrimSpace(os.Getenv("FIELDSYNC_WATCH_CONFIG")), "YAML config file")
	flags.StringVar(&opts.BaseURL, "base-url", envOrDefault("FIELDSYNC_BASE_URL", "http://127.0.0.1:8080"), "dispatch service base URL")
	flags.StringVar(&opts.Token, "token", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN")), "bearer token")
	flags.StringVar(&opts.TokenFile, "token-file", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN_FILE")), "file holding the bearer token, reloaded on change")
	flags.StringSliceVar(&opts.Kinds, "kinds", listEnv("FIELDSYNC_KINDS", defaultWatchKinds), "entity kinds to follow")
	flags.StringVar(&opts.Report, "report", strings.TrimSpace(os.Getenv("FIELDSYNC_REPORT")), "report id whose thread to follow")
	flags.DurationVar(&opts.Interval, "interval", durationEnv("FIELDSYNC_INTERVAL", 0), "poll interval (0 uses the per-kind default)")
	flags.Float64Var(&opts.Jitter, "jitter", floatEnv("FIELDSYNC_INTERVAL_JITTER", 0), "poll interval jitter ratio (0.0-1.0)")
	flags.DurationVar(&opts.Timeout, "timeout", durationEnv("FIELDSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	flags.BoolVar(&opts.NoPush, "no-push", false, "poll only, never open push channels")
	return cmd
}

func runWatch(ctx context.Context, opts watchOptions, out io.Writer) error {
	kinds, err := parseKinds(opts.Kinds)
	if err != nil {
		return err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	var tokens gateway.TokenSource = gateway.StaticToken(opts.Token)
	if strings.TrimSpace(opts.TokenFile) != "" {
		fileToken, err := gateway.NewFileToken(opts.TokenFile, log.Default())
		if err != nil {
			return err
		}
		defer fileToken.Close()
		tokens = fileToken
	}

	client := gateway.NewClient(opts.BaseURL, tokens, &http.Client{Timeout: opts.Timeout})
	var transport syncstate.Transport
	if !opts.NoPush {
		transport = pushchan.NewDialer(opts.BaseURL, tokens, &http.Client{Timeout: opts.Timeout}, log.Default())
	}
	printer := newChangePrinter(out)
	deps := watchDeps{client: client, transport: transport, opts: opts, printer: printer}

	members := make([]syncstate.Member, 0, len(kinds))
	for _, kind := range kinds {
		member, err := deps.container(kind)
		if err != nil {
			return err
		}
		members = append(members, member)
	}
	group := syncstate.NewGroup(log.Default(), members...)
	if err := group.Start(ctx); err != nil {
		log.Printf("first load incomplete, polling continues: %v", err)
	}
	defer group.Stop()

	if report := strings.TrimSpace(opts.Report); report != "" {
		thread, err := newWatchContainer[entity.ThreadMessage](deps, entity.KindMessages)
		if err != nil {
			return err
		}
		defer thread.Deactivate()
		if err := thread.Focus(ctx, report); err != nil {
			return err
		}
	}

	<-ctx.Done()
	log.Printf("watch stopping: %v", ctx.Err())
	return nil
}

func parseKinds(names []string) ([]entity.Kind, error) {
	seen := map[entity.Kind]struct{}{}
	var out []entity.Kind
	for _, name := range names {
		kind, err := entity.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if kind.Scoped() {
			return nil, fmt.Errorf("%s are followed with --report", kind)
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one kind is required")
	}
	return out, nil
}

type watchDeps struct {
	client    *gateway.Client
	transport syncstate.Transport
	opts      watchOptions
	printer   *changePrinter
}

func (d watchDeps) container(kind entity.Kind) (syncstate.Member, error) {
	switch kind {
	case entity.KindReports:
		return newWatchContainer[entity.Report](d, kind)
	case entity.KindAgents:
		return newWatchContainer[entity.AgentPosition](d, kind)
	case entity.KindZones:
		return newWatchContainer[entity.DangerZone](d, kind)
	case entity.KindNotifications:
		return newWatchContainer[entity.Notification](d, kind)
	default:
		return nil, fmt.Errorf("kind %s cannot be watched directly", kind)
	}
}

func newWatchContainer[T entity.Record](d watchDeps, kind entity.Kind) (*syncstate.Container[T], error) {
	opts := syncstate.Options[T]{
		Kind:      kind,
		Gateway:   gateway.NewResource[T](d.client, kind, log.Default()),
		Transport: d.transport,
		Interval:  d.opts.Interval,
		Jitter:    d.opts.Jitter,
		Logger:    log.Default(),
		OnChange:  trackChanges[T](d.printer),
	}
	if kind == entity.KindNotifications {
		opts.Counter = func(record T) bool {
			n, ok := any(record).(entity.Notification)
			return ok && entity.Unread(n)
		}
	}
	return syncstate.NewContainer(opts)
}

type changeSet struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c changeSet) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// diffRecords compares the previous fingerprints with items and returns the
// changes plus the next fingerprints.
func diffRecords[T entity.Record](prev map[string]string, items []T) (changeSet, map[string]string) {
	next := make(map[string]string, len(items))
	var changes changeSet
	for _, item := range items {
		id := item.RecordID()
		fingerprint := ""
		if raw, err := json.Marshal(item); err == nil {
			fingerprint = string(raw)
		}
		next[id] = fingerprint
		old, ok := prev[id]
		switch {
		case !ok:
			changes.Added = append(changes.Added, id)
		case old != fingerprint:
			changes.Updated = append(changes.Updated, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changes.Removed = append(changes.Removed, id)
		}
	}
	sort.Strings(changes.Removed)
	return changes, next
}

// trackChanges returns an OnChange callback. It runs on one container's merge
// goroutine, so the fingerprint map needs no lock.
func trackChanges[T entity.Record](printer *changePrinter) func(syncstate.View[T]) {
	var (
		prev      map[string]string
		lastPhase syncstate.Phase
	)
	return func(view syncstate.View[T]) {
		changes, next := diffRecords(prev, view.Items)
		prev = next
		if changes.empty() && view.Phase == lastPhase {
			return
		}
		lastPhase = view.Phase
		printer.print(view.Kind, view.Scope, changes, view.Phase, len(view.Items), view.Derived, view.Err)
	}
}

type changePrinter struct {
	mu      sync.Mutex
	out     io.Writer
	added   func(a ...any) string
	updated func(a ...any) string
	removed func(a ...any) string
	failed  func(a ...any) string
	faint   func(a ...any) string
}

func newChangePrinter(out io.Writer) *changePrinter {
	return &changePrinter{
		out:     out,
		added:   color.New(color.FgGreen).SprintFunc(),
		updated: color.New(color.FgYellow).SprintFunc(),
		removed: color.New(color.FgRed).SprintFunc(),
		failed:  color.New(color.FgRed, color.Bold).SprintFunc(),
		faint:   color.New(color.Faint).SprintFunc(),
	}
}

func (p *changePrinter) print(kind entity.Kind, scope string, changes changeSet, phase syncstate.Phase, total, derived int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := string(kind)
	if scope != "" {
		label += "[" + scope + "]"
	}
	for _, id := range changes.Added {
		fmt.Fprintf(p.out, "%s %s %s\n", p.added("+"), label, id)
	}
	for _, id := range changes.Updated {
		fmt.Fprintf(p.out, "%s %s %s\n", p.updated("~"), label, id)
	}
	for _, id := range changes.Removed {
		fmt.Fprintf(p.out, "%s %s %s\n", p.removed("-"), label, id)
	}
	summary := fmt.Sprintf("%s: %d records, %s", label, total, phase)
	if kind == entity.KindNotifications {
		summary += fmt.Sprintf(", %d unread", derived)
	}
	if err != nil {
		fmt.Fprintf(p.out, "%s %s\n", p.failed(summary), p.failed(err.Error()))
		return
	}
	fmt.Fprintln(p.out, p.faint(summary))
}

// Package syncservice runs the upload pipelines on behalf of the signed-in
// account, on demand or on a schedule, and tracks when they last completed
// cleanly.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/illmade-knight/go-fieldsync/pkg/watermark"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNoAccount is returned when a sync is requested while no account is
// signed in.
var ErrNoAccount = errors.New("no account signed in")

// AccountProvider returns the account records are uploaded for.
type AccountProvider interface {
	Account(ctx context.Context) (types.Account, error)
}

// StaticAccount is an AccountProvider for a fixed account. An empty username
// means nobody is signed in.
type StaticAccount types.Account

func (a StaticAccount) Account(context.Context) (types.Account, error) {
	if a.Username == "" {
		return types.Account{}, ErrNoAccount
	}
	return types.Account(a), nil
}

// PendingCounter reports how many records of a domain await upload.
type PendingCounter interface {
	PendingCount(ctx context.Context, domain types.Domain, owner string) (int, error)
}

// ReportListener is told about every finished sync.
type ReportListener interface {
	OnSyncFinished(report types.SyncReport)
}

// ReportListenerFunc adapts a function to ReportListener.
type ReportListenerFunc func(report types.SyncReport)

func (f ReportListenerFunc) OnSyncFinished(report types.SyncReport) { f(report) }

// RunOptions controls a single sync.
type RunOptions struct {
	// Background runs report through the background sink.
	Background bool
	// Filters restricts a domain to a single group. A filtered sync never
	// advances the watermark.
	Filters map[types.Domain]types.GroupFilter
}

func (o RunOptions) key() string {
	if len(o.Filters) == 0 {
		return fmt.Sprintf("all/%t", o.Background)
	}
	parts := make([]string, 0, len(o.Filters))
	for d, f := range o.Filters {
		parts = append(parts, fmt.Sprintf("%s=%s@%s", d, f.Name, f.Version))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s/%t", strings.Join(parts, ","), o.Background)
}

// Options wires a Service.
type Options struct {
	Engine *syncengine.Engine
	// Pipelines run in order, probes before responses.
	Pipelines []syncengine.Pipeline
	Accounts  AccountProvider
	Watermark watermark.Store
	// Pending is optional and feeds Status.
	Pending PendingCounter
	// ForegroundSink receives events of interactive runs, BackgroundSink
	// those of scheduled runs. Either may be nil.
	ForegroundSink syncengine.EventSink
	BackgroundSink syncengine.EventSink
	Listener       ReportListener
}

// Service runs the pipelines. Identical concurrent requests share one run;
// different ones are serialized, so no pipeline ever runs twice at once.
type Service struct {
	opts    Options
	flight  singleflight.Group
	runMu   sync.Mutex
	running atomic.Bool
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a Service.
func New(opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if len(opts.Pipelines) == 0 {
		return nil, errors.New("at least one pipeline is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("account provider cannot be nil")
	}
	if opts.Watermark == nil {
		return nil, errors.New("watermark store cannot be nil")
	}
	if opts.ForegroundSink == nil {
		opts.ForegroundSink = syncengine.NopSink{}
	}
	if opts.BackgroundSink == nil {
		opts.BackgroundSink = syncengine.NopSink{}
	}
	return &Service{
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "SyncService").Logger(),
	}, nil
}

// SyncNow runs every pipeline once and returns the report. A caller that
// gives up waiting gets ctx.Err(); the run itself is cancelled only through
// the context of the caller that started it.
func (s *Service) SyncNow(ctx context.Context, opts RunOptions) (types.SyncReport, error) {
	ch := s.flight.DoChan(opts.key(), func() (interface{}, error) {
		return s.run(ctx, opts)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.SyncReport{}, res.Err
		}
		return res.Val.(types.SyncReport), nil
	case <-ctx.Done():
		return types.SyncReport{}, ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, opts RunOptions) (types.SyncReport, error) {
	account, err := s.opts.Accounts.Account(ctx)
	if err != nil {
		return types.SyncReport{}, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)

	sink := s.opts.ForegroundSink
	if opts.Background {
		sink = s.opts.BackgroundSink
	}

	report := types.SyncReport{
		RunID:      uuid.New(),
		Background: opts.Background,
		StartedAt:  s.now().UTC(),
	}
	logger := s.logger.With().Str("run_id", report.RunID.String()).Bool("background", opts.Background).Logger()
	logger.Info().Msg("Sync started")

	for _, p := range s.opts.Pipelines {
		if ctx.Err() != nil {
			report.Outcomes = append(report.Outcomes, types.RunOutcome{Domain: p.Domain, Cancelled: true})
			continue
		}
		if f, ok := opts.Filters[p.Domain]; ok {
			p = p.WithFilter(f)
		}
		report.Outcomes = append(report.Outcomes, s.opts.Engine.Run(ctx, p, account, sink))
	}
	report.FinishedAt = s.now().UTC()

	if len(opts.Filters) == 0 && allClean(report.Outcomes) {
		if err := s.opts.Watermark.AdvanceLastSuccessfulSync(context.WithoutCancel(ctx), account.Username, report.FinishedAt); err != nil {
			logger.Error().Err(err).Msg("Failed to advance sync watermark")
		} else {
			report.WatermarkAdvanced = true
		}
	}

	logger.Info().
		Bool("had_error", report.HadError()).
		Bool("auth_required", report.AuthRequired()).
		Bool("watermark_advanced", report.WatermarkAdvanced).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Sync finished")

	if s.opts.Listener != nil {
		s.opts.Listener.OnSyncFinished(report)
	}
	return report, nil
}

func allClean(outcomes []types.RunOutcome) bool {
	for _, o := range outcomes {
		if !o.Clean() {
			return false
		}
	}
	return true
}

// Status is a snapshot of the service's state for the signed-in account.
type Status struct {
	Owner              string               `json:"owner"`
	Running            bool                 `json:"running"`
	LastSuccessfulSync *time.Time           `json:"last_successful_sync,omitempty"`
	Pending            map[types.Domain]int `json:"pending,omitempty"`
}

// Status reports the watermark and, when a PendingCounter is configured, the
// pending record counts per domain.
func (s *Service) Status(ctx context.Context) (Status, error) {
	account, err := s.opts.Accounts.Account(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Owner: account.Username, Running: s.running.Load()}

	at, found, err := s.opts.Watermark.LastSuccessfulSync(ctx, account.Username)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	if found {
		st.LastSuccessfulSync = &at
	}

	if s.opts.Pending != nil {
		st.Pending = make(map[types.Domain]int, len(s.opts.Pipelines))
		for _, p := range s.opts.Pipelines {
			n, err := s.opts.Pending.PendingCount(ctx, p.Domain, account.Username)
			if err != nil {
				return Status{}, fmt.Errorf("failed to count pending %s: %w", p.Domain, err)
			}
			st.Pending[p.Domain] = n
		}
	}
	return st, nil
}

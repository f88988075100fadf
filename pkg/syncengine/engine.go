package syncengine

import (
	"context"
	"time"

	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultQuotaBytes is the payload budget of a single upload (1 MiB).
	DefaultQuotaBytes = 1 << 20
	// DefaultFetchLimit caps the rows read from the store per batch attempt.
	DefaultFetchLimit = 500
	// DefaultMaxIDsPerDelete keeps a delete under the backend's 1000 term
	// limit, leaving room for the statement's other predicates.
	DefaultMaxIDsPerDelete = 998
)

// OversizePolicy controls how records that can never be uploaded are surfaced.
type OversizePolicy string

const (
	// OversizeReport emits an OnSkipped event, once per record per run.
	OversizeReport OversizePolicy = "report"
	// OversizeSkip passes over such records with only a debug log line.
	OversizeSkip OversizePolicy = "skip"
)

const (
	skipReasonOversized   = "oversized"
	skipReasonUnshapeable = "unshapeable"
)

// Config holds the engine's tunables.
type Config struct {
	QuotaBytes      int
	FetchLimit      int
	MaxIDsPerDelete int
	OversizePolicy  OversizePolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		QuotaBytes:      DefaultQuotaBytes,
		FetchLimit:      DefaultFetchLimit,
		MaxIDsPerDelete: DefaultMaxIDsPerDelete,
		OversizePolicy:  OversizeReport,
	}
}

// Engine drains pipelines: it repeatedly builds a batch for each pending
// group, uploads it and deletes the uploaded records once the upload is
// confirmed. An Engine holds no per-run state and may be shared, but callers
// must not run the same pipeline concurrently.
type Engine struct {
	config  Config
	metrics *Metrics
	logger  zerolog.Logger
}

// NewEngine creates an Engine. Zero values in cfg are replaced by defaults.
// metrics may be nil.
func NewEngine(cfg Config, metrics *Metrics, logger zerolog.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.QuotaBytes <= 0 {
		logger.Warn().Int("provided_quota_bytes", cfg.QuotaBytes).Msg("QuotaBytes must be positive, applying default.")
		cfg.QuotaBytes = defaults.QuotaBytes
	}
	if cfg.FetchLimit <= 0 {
		logger.Warn().Int("provided_fetch_limit", cfg.FetchLimit).Msg("FetchLimit must be positive, applying default.")
		cfg.FetchLimit = defaults.FetchLimit
	}
	if cfg.MaxIDsPerDelete <= 0 {
		logger.Warn().Int("provided_max_ids", cfg.MaxIDsPerDelete).Msg("MaxIDsPerDelete must be positive, applying default.")
		cfg.MaxIDsPerDelete = defaults.MaxIDsPerDelete
	}
	if cfg.OversizePolicy == "" {
		cfg.OversizePolicy = defaults.OversizePolicy
	}
	return &Engine{
		config:  cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "SyncEngine").Logger(),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Run drains every pending group of the pipeline for account and reports
// what happened. It never returns an error: failures are reflected in the
// outcome and announced through sink.
//
// Cancellation of ctx is observed between batches and between groups. An
// upload that has started, and the deletes confirming it, always complete.
func (e *Engine) Run(ctx context.Context, p Pipeline, account types.Account, sink EventSink) types.RunOutcome {
	if sink == nil {
		sink = NopSink{}
	}
	started := time.Now()
	defer func() { e.metrics.observeRun(p.Domain, time.Since(started)) }()

	r := &run{
		engine:   e,
		pipeline: p,
		account:  account,
		sink:     sink,
		outcome:  types.RunOutcome{Domain: p.Domain},
		reported: make(map[types.RecordID]struct{}),
		logger:   e.logger.With().Str("domain", string(p.Domain)).Logger(),
	}
	r.execute(ctx)

	r.logger.Info().
		Bool("had_error", r.outcome.HadError).
		Bool("auth_required", r.outcome.AuthRequired).
		Bool("cancelled", r.outcome.Cancelled).
		Int("groups", r.outcome.Stats.Groups).
		Int("batches", r.outcome.Stats.Batches).
		Int("records_deleted", r.outcome.Stats.RecordsDeleted).
		Dur("elapsed", time.Since(started)).
		Msg("Sync run finished")
	return r.outcome
}

// run carries the state of a single pipeline run.
type run struct {
	engine   *Engine
	pipeline Pipeline
	account  types.Account
	sink     EventSink
	outcome  types.RunOutcome
	reported map[types.RecordID]struct{}
	logger   zerolog.Logger
}

func (r *run) execute(ctx context.Context) {
	domain := r.pipeline.Domain
	r.sink.OnStarted(domain)

	groups, err := r.pipeline.Store.ListGroups(ctx, r.account.Username, r.pipeline.Filter)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list pending groups")
		r.fail(nil)
		return
	}
	r.logger.Info().Int("group_count", len(groups)).Msg("Starting sync run")

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			r.logger.Warn().Err(err).Str("group_key", group.Key).Msg("Run cancelled before group")
			r.outcome.Cancelled = true
			return
		}
		r.outcome.Stats.Groups++
		if !r.syncGroup(ctx, group) {
			return
		}
	}
	r.sink.OnFinished(domain)
}

// syncGroup uploads batches for one group until it is drained. It returns
// false when the whole run must stop.
func (r *run) syncGroup(ctx context.Context, group types.Group) bool {
	cfg := r.engine.config
	logger := r.logger.With().Str("group_key", group.Key).Logger()
	var after types.RecordID

	for {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Msg("Run cancelled between batches")
			r.outcome.Cancelled = true
			return false
		}

		rows, err := r.pipeline.Store.FetchRecords(ctx, r.account.Username, group, after, cfg.FetchLimit)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to fetch pending records")
			r.fail(nil)
			return false
		}

		candidates := r.shape(group, rows)
		batch := BuildBatch(candidates, cfg.QuotaBytes)
		r.skip(group, batch.Skipped, skipReasonOversized)

		if batch.Empty() {
			if len(rows) == cfg.FetchLimit {
				// Everything in a full window was unusable; look past it.
				after = rows[len(rows)-1].ID
				continue
			}
			logger.Debug().Msg("Group drained")
			return true
		}

		if !r.upload(ctx, group, batch, logger) {
			return false
		}
	}
}

// upload sends one batch and, on success, deletes its records. It returns
// false when the run must stop.
func (r *run) upload(ctx context.Context, group types.Group, batch types.Batch, logger zerolog.Logger) bool {
	cfg := r.engine.config
	domain := r.pipeline.Domain
	// The transport call and the deletes confirming it must not be cut short.
	callCtx := context.WithoutCancel(ctx)

	result, err := r.pipeline.Transport.Upload(callCtx, r.account, group, batch)
	if err != nil {
		logger.Error().Err(err).Int("batch_size", len(batch.Records)).Msg("Transport error, treating as failure")
		result = types.Failed()
	}
	r.outcome.Stats.Batches++
	r.engine.metrics.observeBatch(domain, result.Status, batch)

	switch result.Status {
	case types.StatusSuccess:
		r.outcome.Stats.RecordsUploaded += len(batch.Records)
		r.outcome.Stats.BytesUploaded += batch.Bytes
		for _, chunk := range ChunkIDs(batch.ConsumedIDs, cfg.MaxIDsPerDelete) {
			if err := r.pipeline.Store.DeleteRecords(callCtx, chunk, cfg.MaxIDsPerDelete); err != nil {
				logger.Error().Err(err).Int("chunk_size", len(chunk)).Msg("Failed to delete uploaded records")
				r.fail(nil)
				return false
			}
			r.outcome.Stats.RecordsDeleted += len(chunk)
			r.engine.metrics.observeDeleted(domain, len(chunk))
		}
		logger.Info().
			Int("batch_size", len(batch.Records)).
			Int("batch_bytes", batch.Bytes).
			Msg("Uploaded batch and deleted records")
		return true

	case types.StatusAuthFailure:
		logger.Warn().Strs("error_codes", result.ErrorCodes).Msg("Upload rejected credentials, stopping run")
		r.outcome.AuthRequired = true
		r.sink.OnAuthRequired(domain)
		return false

	default:
		logger.Error().Strs("error_codes", result.ErrorCodes).Int("batch_size", len(batch.Records)).Msg("Upload failed, stopping run")
		r.fail(result.ErrorCodes)
		return false
	}
}

// shape converts stored rows into upload candidates. Rows the shaper rejects
// are excluded and reported.
func (r *run) shape(group types.Group, rows []types.Record) []types.Record {
	if r.pipeline.Shaper == nil {
		return rows
	}
	candidates := make([]types.Record, 0, len(rows))
	var rejected []types.RecordID
	for _, row := range rows {
		shaped, err := r.pipeline.Shaper.Shape(row)
		if err != nil {
			r.logger.Warn().Err(err).Int64("record_id", int64(row.ID)).Str("group_key", group.Key).Msg("Record could not be shaped for upload")
			rejected = append(rejected, row.ID)
			continue
		}
		candidates = append(candidates, shaped)
	}
	r.skip(group, rejected, skipReasonUnshapeable)
	return candidates
}

// skip surfaces records that cannot be uploaded. Each record is reported at
// most once per run.
func (r *run) skip(group types.Group, ids []types.RecordID, reason string) {
	if len(ids) == 0 {
		return
	}
	fresh := make([]types.RecordID, 0, len(ids))
	for _, id := range ids {
		if _, seen := r.reported[id]; seen {
			continue
		}
		r.reported[id] = struct{}{}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return
	}
	r.outcome.Stats.RecordsSkipped += len(fresh)
	r.engine.metrics.observeSkipped(r.pipeline.Domain, reason, len(fresh))

	if r.engine.config.OversizePolicy == OversizeSkip {
		r.logger.Debug().Str("group_key", group.Key).Str("reason", reason).Int("count", len(fresh)).Msg("Skipping records that cannot be uploaded")
		return
	}
	r.logger.Warn().Str("group_key", group.Key).Str("reason", reason).Int("count", len(fresh)).Msg("Records cannot be uploaded and will stay in the store")
	r.sink.OnSkipped(r.pipeline.Domain, group, fresh)
}

func (r *run) fail(codes []string) {
	r.outcome.HadError = true
	r.sink.OnError(r.pipeline.Domain, codes)
}

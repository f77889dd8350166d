package migration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trajcache/trajcache/internal/integrity"
	"github.com/trajcache/trajcache/internal/metrics"
	"github.com/trajcache/trajcache/internal/storage"
	"github.com/trajcache/trajcache/internal/versions"
	"github.com/trajcache/trajcache/pkg/errors"
	"github.com/trajcache/trajcache/pkg/retry"
	"github.com/trajcache/trajcache/pkg/types"
	"github.com/trajcache/trajcache/pkg/utils"
)

// State is the lifecycle state of a migration
type State string

const (
	StatePlanned    State = "planned"
	StateExecuting  State = "executing"
	StateSucceeded  State = "succeeded"
	StateRolledBack State = "rolled-back"
	StateFailed     State = "failed"
)

// StepKind identifies a plan step
type StepKind string

const (
	StepBackup    StepKind = "backup"
	StepTransform StepKind = "transform"
	StepValidate  StepKind = "validate"
	StepCleanup   StepKind = "cleanup"
)

// Config represents migration engine configuration
type Config struct {
	BatchSize     int           `yaml:"migration_batch_size"`
	Concurrency   int           `yaml:"migration_concurrency"`
	RetryAttempts int           `yaml:"migration_retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	PerItemCost   time.Duration `yaml:"per_item_cost"`
	Backup        bool          `yaml:"backup"`
	Validate      bool          `yaml:"validate"`
	KeepBackups   bool          `yaml:"keep_backups"`

	Clock   func() time.Time        `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics *metrics.Collector      `yaml:"-"`
}

// DefaultConfig returns the default migration configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		Concurrency:   4,
		RetryAttempts: 3,
		RetryBackoff:  10 * time.Millisecond,
		PerItemCost:   5 * time.Millisecond,
		Backup:        true,
		Validate:      true,
	}
}

// Step is one ordered unit of a plan
type Step struct {
	Kind StepKind `json:"kind"`
	From int      `json:"from,omitempty"`
	To   int      `json:"to,omitempty"`
}

func (s Step) String() string {
	if s.Kind == StepTransform {
		return fmt.Sprintf("transform v%d->v%d", s.From, s.To)
	}
	return string(s.Kind)
}

// Plan is an ordered list of steps over a fixed key set
type Plan struct {
	ID                string        `json:"id"`
	From              int           `json:"from"`
	To                int           `json:"to"`
	Steps             []Step        `json:"steps"`
	Keys              []string      `json:"keys"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	CreatedAt         time.Time     `json:"created_at"`
}

// StepResult reports one executed step
type StepResult struct {
	Step      Step          `json:"step"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Result reports a whole migration
type Result struct {
	PlanID        string            `json:"plan_id"`
	State         State             `json:"state"`
	Success       bool              `json:"success"`
	MigratedItems int               `json:"migrated_items"`
	Errors        map[string]string `json:"errors,omitempty"`
	ValidItems    int               `json:"valid_items"`
	InvalidItems  int               `json:"invalid_items"`
	BackupRoot    string            `json:"backup_root,omitempty"`
	Steps         []StepResult      `json:"steps"`
	StartedAt     time.Time         `json:"started_at"`
	Duration      time.Duration     `json:"duration"`
	Failure       string            `json:"failure,omitempty"`
}

// Engine plans and executes schema migrations of the live record store
type Engine struct {
	live     *storage.Store
	versions *versions.Store
	verifier *integrity.Verifier
	registry *Registry
	config   Config
	logger   *utils.StructuredLogger

	running atomic.Bool
}

// NewEngine creates a migration engine. Migrated values are committed through vs.
func NewEngine(vs *versions.Store, verifier *integrity.Verifier, registry *Registry, config Config) *Engine {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	if config.PerItemCost <= 0 {
		config.PerItemCost = defaults.PerItemCost
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if registry == nil {
		registry = NewRegistry()
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger("migration")
	} else {
		logger = logger.WithComponent("migration")
	}

	return &Engine{
		live:     vs.Live(),
		versions: vs,
		verifier: verifier,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Registry returns the engine's transformer registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Running reports whether a migration is executing
func (e *Engine) Running() bool {
	return e.running.Load()
}

// CreatePlan builds the steps for moving every live record from schema from to schema to
func (e *Engine) CreatePlan(ctx context.Context, from, to int) (*Plan, error) {
	if from <= 0 || to <= 0 || from == to {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "invalid schema range %d -> %d", from, to).
			WithComponent("migration").
			WithOperation("plan")
	}

	keys, err := e.live.Keys(ctx)
	if err != nil {
		return nil, err
	}

	now := e.config.Clock()
	plan := &Plan{
		ID:        fmt.Sprintf("migration-v%d-v%d-%d", from, to, now.UnixNano()),
		From:      from,
		To:        to,
		Keys:      keys,
		CreatedAt: now,
	}

	if e.config.Backup {
		plan.Steps = append(plan.Steps, Step{Kind: StepBackup})
	}

	dir := 1
	if to < from {
		dir = -1
	}
	for v := from; v != to; v += dir {
		if _, ok := e.registry.Lookup(v, v+dir); !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidArgument, "no transformer registered for v%d -> v%d", v, v+dir).
				WithComponent("migration").
				WithOperation("plan")
		}
		plan.Steps = append(plan.Steps, Step{Kind: StepTransform, From: v, To: v + dir})
	}

	if e.config.Validate {
		plan.Steps = append(plan.Steps, Step{Kind: StepValidate})
	}
	plan.Steps = append(plan.Steps, Step{Kind: StepCleanup})

	plan.EstimatedDuration = time.Duration(len(plan.Steps)*len(keys)) * e.config.PerItemCost
	return plan, nil
}

// execution carries the mutable state of one Execute call
type execution struct {
	plan   *Plan
	result *Result
	backup *storage.Store

	mu     sync.Mutex
	failed map[string]bool
}

// Execute runs plan. Per-item failures are recorded in the result; an error escaping a
// step rolls the live store back from the plan's backup.
func (e *Engine) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	if plan == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "plan is required").
			WithComponent("migration").
			WithOperation("execute")
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, errors.NewError(errors.ErrCodeAlreadyInProgress, "a migration is already running").
			WithComponent("migration").
			WithOperation("execute")
	}
	defer e.running.Store(false)

	start := time.Now()
	run := &execution{
		plan:   plan,
		failed: make(map[string]bool),
		result: &Result{
			PlanID:    plan.ID,
			State:     StateExecuting,
			Errors:    make(map[string]string),
			StartedAt: e.config.Clock(),
		},
	}

	e.logger.Info("migration started", map[string]interface{}{
		"plan":      plan.ID,
		"from":      plan.From,
		"to":        plan.To,
		"keys":      len(plan.Keys),
		"steps":     len(plan.Steps),
		"estimated": plan.EstimatedDuration.String(),
	})

	stepErr := e.runSteps(ctx, run)
	result := run.result
	result.Duration = time.Since(start)

	if stepErr != nil {
		result.Failure = stepErr.Error()
		return result, e.rollback(ctx, run, stepErr)
	}

	result.MigratedItems = len(plan.Keys) - len(run.failed)
	if !hasTransform(plan) {
		result.MigratedItems = 0
	}
	result.Success = result.InvalidItems == 0
	if result.Success {
		result.State = StateSucceeded
	} else {
		result.State = StateFailed
	}

	e.logger.Info("migration finished", map[string]interface{}{
		"plan":     plan.ID,
		"state":    string(result.State),
		"migrated": result.MigratedItems,
		"errors":   len(result.Errors),
		"invalid":  result.InvalidItems,
		"duration": result.Duration.String(),
	})
	return result, nil
}

func (e *Engine) runSteps(ctx context.Context, run *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodePanicRecovered, "migration step panicked: %v", r).
				WithComponent("migration").
				WithDetail("stack", string(debug.Stack()))
		}
	}()

	for _, step := range run.plan.Steps {
		stepStart := time.Now()
		sr := StepResult{Step: step}

		switch step.Kind {
		case StepBackup:
			sr.Processed, err = e.backup(ctx, run)
		case StepTransform:
			sr.Processed, sr.Failed, err = e.transform(ctx, run, step)
		case StepValidate:
			sr.Processed, sr.Failed = e.validate(ctx, run)
		case StepCleanup:
			err = e.cleanup(ctx, run)
		default:
			err = errors.Newf(errors.ErrCodeInternalError, "unknown step kind %q", step.Kind)
		}

		sr.Duration = time.Since(stepStart)
		run.result.Steps = append(run.result.Steps, sr)
		if err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
	}
	return nil
}

func (e *Engine) backup(ctx context.Context, run *execution) (int, error) {
	ns, err := e.live.Namespace(ctx, "backups/"+run.plan.ID)
	if err != nil {
		return 0, err
	}
	run.backup = ns
	run.result.BackupRoot = ns.Root()

	copied := 0
	for _, key := range run.plan.Keys {
		rec, err := e.live.Retrieve(ctx, key)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return copied, err
		}
		if err := ns.Import(ctx, rec); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func (e *Engine) transform(ctx context.Context, run *execution, step Step) (int, int, error) {
	transformer, ok := e.registry.Lookup(step.From, step.To)
	if !ok {
		return 0, 0, errors.Newf(errors.ErrCodeMigrationFailed, "transformer for v%d -> v%d disappeared", step.From, step.To)
	}

	pending := make([]string, 0, len(run.plan.Keys))
	run.mu.Lock()
	for _, key := range run.plan.Keys {
		if !run.failed[key] {
			pending = append(pending, key)
		}
	}
	run.mu.Unlock()

	policy := retry.Fixed(e.config.RetryAttempts, e.config.RetryBackoff)
	var processed, failed int64

	for startIdx := 0; startIdx < len(pending); startIdx += e.config.BatchSize {
		end := startIdx + e.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.Concurrency)

		for _, key := range pending[startIdx:end] {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = errors.Newf(errors.ErrCodePanicRecovered, "transform of %q panicked: %v", key, r).
							WithComponent("migration").
							WithKey(key)
					}
				}()

				itemErr := retry.Do(gctx, policy, func(ctx context.Context) error {
					return e.migrateItem(ctx, key, step, transformer)
				})
				if itemErr != nil {
					atomic.AddInt64(&failed, 1)
					run.recordFailure(key, itemErr)
					e.config.Metrics.RecordMigrationItem("failed")
					e.logger.Warn("migration item failed", map[string]interface{}{
						"plan":  run.plan.ID,
						"key":   key,
						"step":  step.String(),
						"error": itemErr.Error(),
					})
					return nil
				}
				atomic.AddInt64(&processed, 1)
				e.config.Metrics.RecordMigrationItem("migrated")
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return int(processed), int(failed), err
		}
	}

	return int(processed), int(failed), nil
}

func (e *Engine) migrateItem(ctx context.Context, key string, step Step, transformer Transformer) error {
	rec, err := e.live.Retrieve(ctx, key)
	if err != nil {
		return err
	}
	if rec.Metadata.Schema == step.To {
		return nil
	}

	value, err := transformer.Transform(ctx, rec)
	if err != nil {
		return err
	}

	meta := rec.Metadata
	meta.Schema = step.To
	_, err = e.versions.Commit(ctx, key, value, meta, fmt.Sprintf("migration v%d->v%d", step.From, step.To))
	return err
}

func (run *execution) recordFailure(key string, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.failed[key] = true
	run.result.Errors[key] = err.Error()
}

func (e *Engine) validate(ctx context.Context, run *execution) (int, int) {
	if e.verifier == nil {
		run.result.ValidItems = len(run.plan.Keys)
		return run.result.ValidItems, 0
	}

	report := e.verifier.PerformIntegrityCheck(ctx)
	invalid := report.CorruptEntries + report.MissingEntries + report.InconsistentEntries
	if report.Status == types.StatusError {
		invalid = len(run.plan.Keys)
	}
	valid := report.TotalChecked - report.CorruptEntries - report.MissingEntries
	if valid < 0 {
		valid = 0
	}

	run.result.ValidItems = valid
	run.result.InvalidItems = invalid
	return valid, invalid
}

func (e *Engine) cleanup(ctx context.Context, run *execution) error {
	if run.backup == nil {
		return nil
	}
	defer run.backup.Close()

	if e.config.KeepBackups {
		return nil
	}
	if err := run.backup.Purge(ctx); err != nil {
		return err
	}
	run.result.BackupRoot = ""
	return nil
}

// rollback restores every backed-up record into the live store and returns the error to surface
func (e *Engine) rollback(ctx context.Context, run *execution, cause error) error {
	e.logger.Error("migration step failed, rolling back", map[string]interface{}{
		"plan":  run.plan.ID,
		"error": cause.Error(),
	})

	if run.backup == nil {
		run.result.State = StateFailed
		return errors.NewError(errors.ErrCodeRollbackFailed, "migration failed and no backup exists to roll back to").
			WithComponent("migration").
			WithOperation("rollback").
			WithDetail("plan", run.plan.ID).
			WithCause(cause)
	}
	defer run.backup.Close()

	keys, err := run.backup.Keys(ctx)
	if err != nil {
		run.result.State = StateFailed
		return errors.NewError(errors.ErrCodeRollbackFailed, "cannot list backup").
			WithComponent("migration").
			WithOperation("rollback").
			WithCause(err)
	}

	for _, key := range keys {
		rec, err := run.backup.Retrieve(ctx, key)
		if err == nil {
			err = e.live.Import(ctx, rec)
		}
		if err != nil {
			run.result.State = StateFailed
			return errors.NewError(errors.ErrCodeRollbackFailed, "cannot restore record from backup").
				WithComponent("migration").
				WithOperation("rollback").
				WithKey(key).
				WithCause(err)
		}
	}

	run.result.State = StateRolledBack
	e.logger.Warn("migration rolled back", map[string]interface{}{
		"plan":     run.plan.ID,
		"restored": len(keys),
		"backup":   run.backup.Root(),
	})
	return errors.NewError(errors.ErrCodeMigrationFailed, "migration rolled back").
		WithComponent("migration").
		WithOperation("execute").
		WithDetail("plan", run.plan.ID).
		WithCause(cause)
}

func hasTransform(plan *Plan) bool {
	for _, step := range plan.Steps {
		if step.Kind == StepTransform {
			return true
		}
	}
	return false
}

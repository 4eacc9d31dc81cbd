// Package gc runs the garbage-collection tasks on independent ticker
// schedules, grounded on p-arndt-sandkasten's reaper.go Run/reapExpired
// ticker-loop shape, generalized into a coordinator with one ticker per
// task and a row-level lease (store.AcquireLease) guarding each run so two
// bayd instances sharing a store never double-reap.
//
// Each tick enqueues an asynq task instead of running the task inline,
// grounded on the teacher's SessionTaskWorker dispatch pattern
// (internal/server/server.go's asynq.Server+ServeMux wiring,
// internal/session/worker/worker.go's HandleSessionCreate): the ticker
// decides when a task is due, asynq's queue and worker pool decide where
// and by which process instance it actually runs.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"bay/internal/cargo"
	"bay/internal/driver"
	"bay/internal/idempotency"
	"bay/internal/monitor"
	"bay/internal/sandboxmgr"
	"bay/internal/session"
	"bay/internal/store"
)

// taskTypePrefix namespaces gc task types within the shared asynq queue.
const taskTypePrefix = "gc:"

type Config struct {
	IdleSessionInterval      time.Duration
	ExpiredSandboxInterval   time.Duration
	OrphanCargoInterval      time.Duration
	OrphanContainerInterval  time.Duration
	IdempotencyPurgeInterval time.Duration
	LeaseTTL                 time.Duration
}

type taskDef struct {
	name     string
	interval time.Duration
	run      func(context.Context)
}

type Coordinator struct {
	store       *store.Store
	driver      driver.Driver
	sandboxes   *sandboxmgr.Manager
	sessions    *session.Manager
	cargos      *cargo.Manager
	idempotency *idempotency.Service
	asynq       *asynq.Client
	cfg         Config
	holder      string
	logger      *slog.Logger
	tasks       []taskDef
}

// NewCoordinator wires the five GC tasks against their stores. asynqClient
// is used to enqueue each task when its ticker fires; a nil client falls
// back to running the task inline on the same goroutine as the ticker,
// useful for tests and single-instance deployments that don't run redis.
func NewCoordinator(st *store.Store, drv driver.Driver, sandboxes *sandboxmgr.Manager, sessions *session.Manager, cargos *cargo.Manager, idem *idempotency.Service, asynqClient *asynq.Client, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		store:       st,
		driver:      drv,
		sandboxes:   sandboxes,
		sessions:    sessions,
		cargos:      cargos,
		idempotency: idem,
		asynq:       asynqClient,
		cfg:         cfg,
		holder:      "bayd-" + uuid.New().String(),
		logger:      logger.With("component", "gc"),
	}
	c.tasks = []taskDef{
		{"idle_session_gc", cfg.IdleSessionInterval, c.runIdleSessionGC},
		{"expired_sandbox_gc", cfg.ExpiredSandboxInterval, c.runExpiredSandboxGC},
		{"orphan_cargo_gc", cfg.OrphanCargoInterval, c.runOrphanCargoGC},
		{"orphan_container_gc", cfg.OrphanContainerInterval, c.runOrphanContainerGC},
		{"idempotency_purge_gc", cfg.IdempotencyPurgeInterval, c.runIdempotencyPurgeGC},
	}
	return c
}

// Run starts every task's ticker and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("gc coordinator started", "holder", c.holder)

	for _, t := range c.tasks {
		go c.loop(ctx, t)
	}

	<-ctx.Done()
	c.logger.Info("gc coordinator stopped")
}

// RegisterHandlers wires every GC task's asynq type onto mux, for the
// asynq.Server started alongside the coordinator. Each handler still goes
// through withLease, so a task enqueued twice in quick succession (ticker
// fire racing an admin TriggerAll) only does one unit of work.
func (c *Coordinator) RegisterHandlers(mux *asynq.ServeMux) {
	for _, t := range c.tasks {
		t := t
		mux.HandleFunc(taskTypePrefix+t.name, func(ctx context.Context, _ *asynq.Task) error {
			c.withLease(ctx, t.name, t.run)
			return nil
		})
	}
}

// TriggerAll enqueues every task immediately, outside its regular ticker
// schedule, for the admin gc-trigger endpoint.
func (c *Coordinator) TriggerAll(ctx context.Context) {
	for _, t := range c.tasks {
		c.dispatch(ctx, t)
	}
}

func (c *Coordinator) loop(ctx context.Context, t taskDef) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatch(ctx, t)
		}
	}
}

// dispatch enqueues t onto the asynq queue, or runs it inline if no asynq
// client is configured.
func (c *Coordinator) dispatch(ctx context.Context, t taskDef) {
	if c.asynq == nil {
		c.withLease(ctx, t.name, t.run)
		return
	}
	if _, err := c.asynq.Enqueue(asynq.NewTask(taskTypePrefix+t.name, nil)); err != nil {
		c.logger.Error("gc: enqueue failed", "task", t.name, "error", err)
	}
}

func (c *Coordinator) withLease(ctx context.Context, name string, run func(context.Context)) {
	now := time.Now().UTC()
	acquired, err := c.store.AcquireLease(name, c.holder, now.Add(c.cfg.LeaseTTL), now)
	if err != nil {
		c.logger.Error("gc: acquire lease failed", "task", name, "error", err)
		return
	}
	if !acquired {
		return
	}
	monitor.GCTaskRuns.WithLabelValues(name).Inc()
	defer func() {
		if err := c.store.ReleaseLease(name, c.holder); err != nil {
			c.logger.Warn("gc: release lease failed", "task", name, "error", err)
		}
	}()
	run(ctx)
}

// runIdleSessionGC stops every running session whose idle deadline has
// passed. Sandboxes are never destroyed here, only their compute.
func (c *Coordinator) runIdleSessionGC(ctx context.Context) {
	idle, err := c.store.ListIdleSessions(time.Now().UTC())
	if err != nil {
		c.logger.Error("idle_session_gc: list idle sessions", "error", err)
		return
	}
	for _, sess := range idle {
		sb, err := c.store.GetSandbox(sess.SandboxID)
		if err != nil {
			c.logger.Error("idle_session_gc: load sandbox", "session_id", sess.ID, "error", err)
			continue
		}
		if sb.CurrentSessionID != nil && *sb.CurrentSessionID == sess.ID {
			_, err = c.sandboxes.Stop(ctx, sb.Owner, sb.ID)
		} else {
			err = c.sessions.Stop(ctx, sess)
		}
		if err != nil {
			c.logger.Error("idle_session_gc: stop session", "session_id", sess.ID, "sandbox_id", sb.ID, "error", err)
			continue
		}
		monitor.GCReapedTotal.WithLabelValues("idle_session_gc").Inc()
		c.logger.Info("idle_session_gc: stopped idle session", "session_id", sess.ID, "sandbox_id", sb.ID)
	}
}

// runExpiredSandboxGC deletes every sandbox past its expires-at, cascading
// to session teardown and managed cargo delete via SandboxManager.Delete.
func (c *Coordinator) runExpiredSandboxGC(ctx context.Context) {
	expired, err := c.store.ListExpiredSandboxes(time.Now().UTC())
	if err != nil {
		c.logger.Error("expired_sandbox_gc: list expired", "error", err)
		return
	}
	for _, sb := range expired {
		if err := c.sandboxes.Delete(ctx, sb.Owner, sb.ID); err != nil {
			c.logger.Error("expired_sandbox_gc: delete sandbox", "sandbox_id", sb.ID, "error", err)
			continue
		}
		monitor.GCReapedTotal.WithLabelValues("expired_sandbox_gc").Inc()
		c.logger.Info("expired_sandbox_gc: deleted expired sandbox", "sandbox_id", sb.ID)
	}
}

// runOrphanCargoGC destroys managed cargo volumes whose owning sandbox is
// deleted or missing. External cargos are never touched here.
func (c *Coordinator) runOrphanCargoGC(ctx context.Context) {
	reaped, err := c.cargos.ReapOrphanManaged(ctx)
	if err != nil {
		c.logger.Error("orphan_cargo_gc: reap", "error", err)
		return
	}
	if reaped > 0 {
		monitor.GCReapedTotal.WithLabelValues("orphan_cargo_gc").Add(float64(reaped))
		c.logger.Info("orphan_cargo_gc: reaped orphan cargos", "count", reaped)
	}
}

// runOrphanContainerGC lists every backend container this service manages
// and destroys any whose session-id label does not map to a live session —
// recovery from a crash mid multi-container orchestration.
func (c *Coordinator) runOrphanContainerGC(ctx context.Context) {
	handles, err := c.driver.ListManaged(ctx, "")
	if err != nil {
		c.logger.Error("orphan_container_gc: list managed", "error", err)
		return
	}
	live, err := c.store.ListLiveSessionIDs()
	if err != nil {
		c.logger.Error("orphan_container_gc: list live sessions", "error", err)
		return
	}

	reaped := 0
	for _, h := range handles {
		if h.SessionID != "" && live[h.SessionID] {
			continue
		}
		if err := c.driver.DestroyContainer(ctx, h.ID); err != nil {
			c.logger.Error("orphan_container_gc: destroy", "container_id", h.ID, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		monitor.GCReapedTotal.WithLabelValues("orphan_container_gc").Add(float64(reaped))
		c.logger.Info("orphan_container_gc: destroyed orphan containers", "count", reaped)
	}
}

// runIdempotencyPurgeGC deletes idempotency records past their TTL so the
// table doesn't grow unbounded.
func (c *Coordinator) runIdempotencyPurgeGC(ctx context.Context) {
	purged, err := c.idempotency.Purge()
	if err != nil {
		c.logger.Error("idempotency_purge_gc: purge", "error", err)
		return
	}
	if purged > 0 {
		monitor.GCReapedTotal.WithLabelValues("idempotency_purge_gc").Add(float64(purged))
		c.logger.Info("idempotency_purge_gc: purged expired records", "count", purged)
	}
}

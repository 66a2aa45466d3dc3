/*
scheduler.go - Automated cycle scheduler

PURPOSE:
  Periodically continues programs that create their cycles automatically
  and expires approved entitlements whose validity has passed.

DESIGN:
  - Runs on a cron schedule (robfig/cron), daily at 01:00 by default
  - A program with auto_create_cycles gets its next cycle when it has none
    yet or when its last cycle ended before today
  - Entitlement expiry runs over the non-terminal cycles of every program
    through the manager, so it takes the cycle lock and is audited

CONFIGURATION:
  - Spec:    Cron expression (SCHEDULER_SPEC)
  - Enabled: Whether scheduler is active (SCHEDULER_ENABLED)

USAGE:
  scheduler := NewCycleScheduler(manager, registry, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - cycle/manager.go: NewNextCycle
  - cycle/manager.go: ExpireEntitlements
*/
package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/factory"
)

// DefaultSchedule runs the scheduler daily at 01:00.
const DefaultSchedule = "0 1 * * *"

// CycleScheduler creates due cycles and expires entitlements.
type CycleScheduler struct {
	Manager  *cycle.Manager
	Registry *factory.Registry
	Spec     string
	Enabled  bool
	Log      logrus.FieldLogger

	cron *cron.Cron
	mu   sync.Mutex
}

// SchedulerRun summarizes one scheduler pass.
type SchedulerRun struct {
	CyclesCreated       int
	EntitlementsExpired int
	Errors              int
}

// NewCycleScheduler creates a new scheduler.
func NewCycleScheduler(manager *cycle.Manager, registry *factory.Registry, log logrus.FieldLogger) *CycleScheduler {
	return &CycleScheduler{
		Manager:  manager,
		Registry: registry,
		Spec:     DefaultSchedule,
		Enabled:  true,
		Log:      log,
	}
}

// Start registers the job and starts the cron runner.
func (cs *CycleScheduler) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Log.Info("Scheduler disabled, not starting")
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(cs.Spec, func() {
		if _, err := cs.RunOnce(context.Background()); err != nil {
			cs.Log.WithError(err).Error("Scheduler run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cycle job: %w", err)
	}
	c.Start()
	cs.cron = c

	cs.Log.WithField("spec", cs.Spec).Info("Scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (cs *CycleScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cron != nil {
		ctx := cs.cron.Stop()
		<-ctx.Done()
		cs.cron = nil
		cs.Log.Info("Scheduler stopped")
	}
}

// RunOnce performs one pass immediately.
func (cs *CycleScheduler) RunOnce(ctx context.Context) (SchedulerRun, error) {
	var run SchedulerRun
	today := cycle.Today(cs.Manager.Now)

	for _, program := range cs.Registry.Programs() {
		log := cs.Log.WithField("program_id", program.ID)

		last, err := cs.Manager.LastCycle(ctx, program.ID)
		if err != nil {
			return run, fmt.Errorf("last cycle of %s: %w", program.ID, err)
		}

		if program.AutoCreateCycles && (last == nil || last.EndDate().Before(today)) {
			c, err := cs.Manager.NewNextCycle(ctx, cycle.SystemContext, program.ID)
			if err != nil {
				log.WithError(err).Error("Failed to create next cycle")
				run.Errors++
			} else {
				log.WithField("cycle_id", c.ID()).Info("Next cycle created")
				run.CyclesCreated++
			}
		}

		cycles, err := cs.Manager.Cycles(ctx, program.ID)
		if err != nil {
			return run, fmt.Errorf("cycles of %s: %w", program.ID, err)
		}
		for _, c := range cycles {
			if c.State().IsTerminal() {
				continue
			}
			expired, err := cs.Manager.ExpireEntitlements(ctx, cycle.SystemContext, c.ID())
			if err != nil {
				log.WithError(err).WithField("cycle_id", c.ID()).Error("Failed to expire entitlements")
				run.Errors++
				continue
			}
			run.EntitlementsExpired += expired
		}
	}

	if run.CyclesCreated > 0 || run.EntitlementsExpired > 0 || run.Errors > 0 {
		cs.Log.WithFields(logrus.Fields{
			"cycles_created":       run.CyclesCreated,
			"entitlements_expired": run.EntitlementsExpired,
			"errors":               run.Errors,
		}).Info("Scheduler pass completed")
	}
	return run, nil
}

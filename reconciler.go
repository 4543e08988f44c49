package fleetota

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReconcilerConfig controls the per-deployment polling tasks.
type ReconcilerConfig struct {
	// Interval between ticks of one deployment's task.
	Interval time.Duration
	// PoolSize bounds how many ticks may run concurrently across all
	// deployments.
	PoolSize int
	Now      func() time.Time
}

// Reconciler owns one recurring polling task per active deployment. Each tick
// pulls the latest device events, persists newly terminal states, shrinks the
// tracked set and decides whether the deployment is complete or expired.
// Tasks stop themselves exactly once, on the success or the timeout path.
type Reconciler struct {
	cfg      ReconcilerConfig
	records  RecordStore
	tracking TrackingStore
	events   EventStore
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
	slots chan struct{}
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewReconciler builds a reconciler over the three stores.
func NewReconciler(records RecordStore, tracking TrackingStore, events EventStore, cfg ReconcilerConfig) (*Reconciler, error) {
	if records == nil || tracking == nil || events == nil {
		return nil, errors.New("reconciler requires record, tracking and event stores")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		records:  records,
		tracking: tracking,
		events:   events,
		now:      cfg.Now,
		tasks:    make(map[string]context.CancelFunc),
		slots:    make(chan struct{}, cfg.PoolSize),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Start registers a polling task for the command id. Starting an id that
// already has a running task is a no-op.
func (r *Reconciler) Start(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.tasks[commandID]; running {
		log.Warn().Str("command_id", commandID).Msg("reconcile task already running")
		return
	}
	taskCtx, cancel := context.WithCancel(r.baseCtx)
	r.tasks[commandID] = cancel
	r.wg.Add(1)
	go r.run(taskCtx, commandID)
	log.Info().Str("command_id", commandID).Msg("reconcile task started")
}

// Stop cancels the task for the command id. Stopping an unknown or already
// stopped id is a safe no-op.
func (r *Reconciler) Stop(commandID string) {
	r.mu.Lock()
	cancel, ok := r.tasks[commandID]
	if ok {
		delete(r.tasks, commandID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
		log.Info().Str("command_id", commandID).Msg("reconcile task stopped")
	}
}

// Running reports whether a task is registered for the command id.
func (r *Reconciler) Running(commandID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[commandID]
	return ok
}

// Close stops every task and waits for in-flight ticks to finish.
func (r *Reconciler) Close() {
	r.cancel()
	r.mu.Lock()
	r.tasks = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	r.wg.Wait()
}

// Recover rebuilds the tracking store from deployments that have no terminal
// overall status and restarts their tasks. Call once at startup, before
// serving new deployments.
func (r *Reconciler) Recover(ctx context.Context) error {
	outstanding, err := r.records.OutstandingDeployments(ctx)
	if err != nil {
		return errors.Wrap(err, "load outstanding deployments failed")
	}
	for _, dep := range outstanding {
		if len(dep.PendingDeviceIDs) > 0 {
			if err := r.tracking.Seed(ctx, dep.CommandID, dep.PendingDeviceIDs); err != nil {
				return errors.Wrapf(err, "reseed tracking set for %s failed", dep.CommandID)
			}
		}
		r.Start(dep.CommandID)
		log.Info().
			Str("command_id", dep.CommandID).
			Int("pending_devices", len(dep.PendingDeviceIDs)).
			Msg("recovered in-flight deployment")
	}
	return nil
}

func (r *Reconciler) run(ctx context.Context, commandID string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case <-ctx.Done():
			return
		case r.slots <- struct{}{}:
		}
		done, err := r.tick(ctx, commandID)
		<-r.slots

		metricTicks.Inc()
		if err != nil {
			// A failing tick must not wedge the task or crash its peers;
			// retry on the next interval.
			metricTickFailures.Inc()
			log.Error().Err(err).Str("command_id", commandID).Msg("reconcile tick failed")
			continue
		}
		if done {
			r.Stop(commandID)
			return
		}
	}
}

// tick runs one reconciliation pass. Ordering within a tick matters: device
// completions are made durable before the tracked set shrinks, and the
// tracked set shrinks before the empty-set check.
func (r *Reconciler) tick(ctx context.Context, commandID string) (done bool, err error) {
	tracked, err := r.tracking.Members(ctx, commandID)
	if err != nil {
		return false, errors.Wrap(err, "read tracked devices")
	}
	if len(tracked) == 0 {
		// Fully resolved on a previous tick, or the tracking key is gone.
		log.Info().Str("command_id", commandID).Msg("no devices tracked, retiring task")
		return true, nil
	}

	dep, err := r.records.DeploymentByCommandID(ctx, commandID)
	if err != nil {
		return false, errors.Wrap(err, "load deployment")
	}

	events, err := r.events.LatestPerDevice(ctx, commandID, tracked)
	if err != nil {
		return false, errors.Wrap(err, "query latest device events")
	}

	now := r.now()
	var changes []DeviceStatusChange
	var completedIDs, succeededIDs []int64
	for _, ev := range events {
		status, ok := ParseDeviceStatus(ev.Status)
		if !ok {
			log.Warn().
				Str("command_id", commandID).
				Int64("device_id", ev.DeviceID).
				Str("status", ev.Status).
				Msg("unrecognized device status, skipping")
			continue
		}
		if !status.IsTerminal() {
			continue
		}
		changes = append(changes, DeviceStatusChange{DeviceID: ev.DeviceID, Status: status, ObservedAt: ev.Timestamp})
		completedIDs = append(completedIDs, ev.DeviceID)
		if status == StatusSucceeded {
			succeededIDs = append(succeededIDs, ev.DeviceID)
		}
		metricDevicesResolved.WithLabelValues(string(status)).Inc()
	}

	if len(changes) > 0 {
		if err := r.records.AppendDeviceStatuses(ctx, dep.ID, changes); err != nil {
			return false, errors.Wrap(err, "persist device completions")
		}
		if len(succeededIDs) > 0 {
			if err := r.records.ApplyArtifacts(ctx, dep, succeededIDs, now); err != nil {
				return false, errors.Wrap(err, "apply artifact assignments")
			}
		}
		if err := r.tracking.Remove(ctx, commandID, completedIDs); err != nil {
			return false, errors.Wrap(err, "shrink tracked set")
		}
		log.Info().
			Str("command_id", commandID).
			Int("completed", len(completedIDs)).
			Msg("recorded device completions")
	}

	size, err := r.tracking.Size(ctx, commandID)
	if err != nil {
		return false, errors.Wrap(err, "check tracked set size")
	}
	if size == 0 {
		if err := r.tracking.Delete(ctx, commandID); err != nil {
			return false, errors.Wrap(err, "delete tracking key")
		}
		if err := r.records.AppendOverallStatus(ctx, dep.ID, OverallCompleted, now); err != nil {
			return false, errors.Wrap(err, "record deployment completion")
		}
		metricDeploymentsCompleted.WithLabelValues("success").Inc()
		log.Info().Str("command_id", commandID).Msg("deployment completed")
		return true, nil
	}

	if now.After(dep.ExpiresAt) {
		if err := r.expire(ctx, dep, now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// expire synthesizes TIMEOUT outcomes for every device still tracked, then
// retires the deployment. The relational store is the last writer.
func (r *Reconciler) expire(ctx context.Context, dep *Deployment, now time.Time) error {
	remaining, err := r.tracking.Members(ctx, dep.CommandID)
	if err != nil {
		return errors.Wrap(err, "read remaining devices")
	}
	changes := make([]DeviceStatusChange, 0, len(remaining))
	for _, deviceID := range remaining {
		changes = append(changes, DeviceStatusChange{DeviceID: deviceID, Status: StatusTimeout, ObservedAt: now})
		metricDevicesResolved.WithLabelValues(string(StatusTimeout)).Inc()
	}
	if err := r.records.AppendDeviceStatuses(ctx, dep.ID, changes); err != nil {
		return errors.Wrap(err, "persist timeout statuses")
	}
	if err := r.events.AppendTimeouts(ctx, dep.CommandID, remaining, now); err != nil {
		return errors.Wrap(err, "append synthetic timeout events")
	}
	if err := r.tracking.Delete(ctx, dep.CommandID); err != nil {
		return errors.Wrap(err, "delete tracking key")
	}
	if err := r.records.AppendOverallStatus(ctx, dep.ID, OverallCompleted, now); err != nil {
		return errors.Wrap(err, "record deployment completion")
	}
	metricDeploymentsCompleted.WithLabelValues("timeout").Inc()
	log.Warn().
		Str("command_id", dep.CommandID).
		Int("timed_out_devices", len(remaining)).
		Msg("deployment expired, remaining devices marked TIMEOUT")
	return nil
}

package fleetq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	rtm "github.com/UniQw/fleetq/internal/runtime"
	"github.com/google/uuid"
)

// SchedulerConfig defines the configuration for a Scheduler. Zero values
// select the defaults noted on each field.
type SchedulerConfig struct {
	// HeartbeatTimeout is the maximum silence before a device stops being
	// schedulable and is swept offline. Default 300s.
	HeartbeatTimeout time.Duration
	// MaxTasksPerDevice caps ASSIGNED+RUNNING tasks per device. Default 5.
	MaxTasksPerDevice int
	// Interval is the placement loop cadence. Default 1s.
	Interval time.Duration
	// DisableLoadBalancing keeps candidates in device-id order instead of
	// least-loaded first.
	DisableLoadBalancing bool
	// DisableAffinity ignores the device that last took a task of the same type.
	DisableAffinity bool

	// AutoRetry requeues FAILED tasks with retry budget left after RetryBackoff.
	AutoRetry    bool
	RetryBackoff time.Duration

	// CleanupInterval is how often terminal tasks older than
	// CompletedTaskMaxAge are evicted. Defaults 5m and 24h.
	CleanupInterval     time.Duration
	CompletedTaskMaxAge time.Duration

	// Snapshots, when set, is loaded on Start, written every
	// SnapshotInterval (default 30s) and once more on Stop.
	Snapshots          SnapshotStore
	SnapshotInterval   time.Duration
	SnapshotHeartbeats int

	// HistorySize bounds the registry heartbeat history.
	HistorySize int
	Logger      Logger
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 300 * time.Second
	}
	if c.MaxTasksPerDevice <= 0 {
		c.MaxTasksPerDevice = 5
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.CompletedTaskMaxAge <= 0 {
		c.CompletedTaskMaxAge = 24 * time.Hour
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.SnapshotHeartbeats <= 0 {
		c.SnapshotHeartbeats = DefaultSnapshotHeartbeats
	}
	return c
}

// SchedulerStats are running counters of the placement loop.
type SchedulerStats struct {
	TasksScheduled   int64     `json:"tasks_scheduled"`
	TasksCompleted   int64     `json:"tasks_completed"`
	TasksFailed      int64     `json:"tasks_failed"`
	SchedulerRounds  int64     `json:"scheduler_rounds"`
	LastScheduleTime time.Time `json:"last_schedule_time,omitzero"`
}

// DeviceLoad is the placement view of one live device.
type DeviceLoad struct {
	Load        int     `json:"load"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// ClusterStats combines registry, load and scheduler counters.
type ClusterStats struct {
	Devices       RegistryStats         `json:"devices"`
	TotalCapacity int                   `json:"total_capacity"`
	TotalLoad     int                   `json:"total_load"`
	Utilization   float64               `json:"utilization"`
	DeviceLoads   map[string]DeviceLoad `json:"device_loads"`
	PendingTasks  int                   `json:"pending_tasks"`
	RunningTasks  int                   `json:"running_tasks"`
	Scheduler     SchedulerStats        `json:"scheduler"`
}

// Scheduler matches queued tasks to capable, live devices. It owns a
// Registry and a Queue and drives them from a background loop.
type Scheduler struct {
	cfg SchedulerConfig
	reg *Registry
	q   *Queue
	rt  *rtm.Runtime
	log Logger

	mu       sync.Mutex
	loads    map[string]int
	affinity map[string]string
	started  bool

	rmu     sync.Mutex
	retries map[string]time.Time

	scheduled atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rounds    atomic.Int64
	lastRound atomic.Int64

	now func() time.Time
}

// NewScheduler creates a scheduler with an empty registry and queue.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	cfg = cfg.withDefaults()
	l := orDefault(cfg.Logger)
	s := &Scheduler{
		cfg:      cfg,
		reg:      NewRegistry(RegistryConfig{HistorySize: cfg.HistorySize, Logger: l}),
		q:        NewQueue(l),
		log:      l,
		loads:    make(map[string]int),
		affinity: make(map[string]string),
		retries:  make(map[string]time.Time),
		now:      time.Now,
	}
	s.q.AddListener(s.onQueueEvent)

	jobs := []rtm.Job{
		{Name: "schedule", Interval: cfg.Interval, Run: s.tick},
		{Name: "cleanup", Interval: cfg.CleanupInterval, Run: func(context.Context) {
			s.q.CleanupCompletedTasks(cfg.CompletedTaskMaxAge)
		}},
	}
	if cfg.Snapshots != nil {
		jobs = append(jobs, rtm.Job{Name: "snapshot", Interval: cfg.SnapshotInterval, Run: func(ctx context.Context) {
			if err := s.SaveSnapshot(ctx); err != nil {
				s.log.Warnf("snapshot save failed: %v", err)
			}
		}})
	}
	s.rt = rtm.New(rtm.Config{Jobs: jobs, Logger: rtLogger{Logger: l}})
	return s
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }

// Registry exposes the device registry.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Queue exposes the task queue.
func (s *Scheduler) Queue() *Queue { return s.q }

// setClock replaces the time source of the scheduler and its components.
func (s *Scheduler) setClock(now func() time.Time) {
	s.now = now
	s.reg.now = now
	s.q.now = now
}

// Start restores the snapshot (if configured) and launches the background
// loop. It is idempotent and non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("scheduler already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Snapshots != nil {
		if err := s.LoadSnapshot(context.Background()); err != nil {
			s.log.Warnf("snapshot load failed: %v", err)
		}
	}
	s.log.Infof("starting scheduler: interval=%s heartbeat_timeout=%s max_tasks_per_device=%d load_balancing=%t affinity=%t",
		s.cfg.Interval, s.cfg.HeartbeatTimeout, s.cfg.MaxTasksPerDevice, !s.cfg.DisableLoadBalancing, !s.cfg.DisableAffinity)
	s.rt.Start()
}

// Stop halts the background loop and writes a final snapshot.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("scheduler not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping scheduler")
	s.rt.Stop()
	if s.cfg.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveSnapshot(ctx); err != nil {
			s.log.Warnf("final snapshot save failed: %v", err)
		}
	}
}

// SaveSnapshot writes the registry to the configured store.
func (s *Scheduler) SaveSnapshot(ctx context.Context) error {
	if s.cfg.Snapshots == nil {
		return nil
	}
	return s.cfg.Snapshots.Save(ctx, s.reg.Snapshot(s.cfg.SnapshotHeartbeats))
}

// LoadSnapshot replaces the registry with the stored snapshot, if any.
func (s *Scheduler) LoadSnapshot(ctx context.Context) error {
	if s.cfg.Snapshots == nil {
		return nil
	}
	snap, ok, err := s.cfg.Snapshots.Load(ctx)
	if err != nil || !ok {
		return err
	}
	s.reg.Restore(snap)
	s.mu.Lock()
	for _, d := range snap.Devices {
		if _, ok := s.loads[d.ID]; !ok {
			s.loads[d.ID] = 0
		}
	}
	s.mu.Unlock()
	return nil
}

// tick is one iteration of the background loop.
func (s *Scheduler) tick(context.Context) {
	s.runDueRetries()
	s.Schedule()
	if n := s.reg.MarkOfflineDevices(s.cfg.HeartbeatTimeout); n > 0 {
		s.log.Infof("offline sweep: %d devices marked offline", n)
	}
	s.refreshLoads()
}

// Schedule runs one placement round and returns how many tasks were placed.
// QUEUED tasks are visited by priority then age; each goes to the first
// candidate after affinity and load ordering.
func (s *Scheduler) Schedule() int {
	tasks := s.q.Tasks(StatusQueued)
	defer func() {
		s.rounds.Add(1)
		s.lastRound.Store(s.now().UnixNano())
	}()
	if len(tasks) == 0 {
		return 0
	}
	devices := s.liveDevices()
	if len(devices) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	placed := 0
	for _, t := range tasks {
		cands := s.candidatesLocked(t, devices)
		if len(cands) == 0 {
			continue
		}
		pick := cands[0]
		if !s.q.AssignTaskToDevice(t.ID, pick) {
			continue
		}
		s.loads[pick]++
		s.affinity[t.Type] = pick
		s.scheduled.Add(1)
		placed++
		s.log.Debugf("scheduled: task=%s type=%s priority=%s device=%s load=%d", t.ID, t.Type, t.Priority, pick, s.loads[pick])
	}
	return placed
}

// candidatesLocked returns eligible device ids for t, best first.
func (s *Scheduler) candidatesLocked(t *Task, devices []Device) []string {
	var cands []string
	for i := range devices {
		d := &devices[i]
		if t.TargetDeviceID != "" {
			if d.ID != t.TargetDeviceID {
				continue
			}
		} else if !t.Requirements.Matches(d.Capabilities) {
			continue
		}
		if s.loads[d.ID] >= s.cfg.MaxTasksPerDevice {
			continue
		}
		cands = append(cands, d.ID)
	}
	if len(cands) < 2 {
		return cands
	}

	start := 0
	if !s.cfg.DisableAffinity {
		if pref, ok := s.affinity[t.Type]; ok {
			for i, id := range cands {
				if id == pref {
					copy(cands[1:i+1], cands[:i])
					cands[0] = pref
					start = 1
					break
				}
			}
		}
	}
	if !s.cfg.DisableLoadBalancing {
		rest := cands[start:]
		sort.SliceStable(rest, func(i, j int) bool { return s.loads[rest[i]] < s.loads[rest[j]] })
	}
	return cands
}

// liveDevices returns online devices heard from within HeartbeatTimeout, by id.
func (s *Scheduler) liveDevices() []Device {
	cutoff := s.now().Add(-s.cfg.HeartbeatTimeout)
	all := s.reg.ListOnline("")
	live := all[:0]
	for _, d := range all {
		if d.LastHeartbeat.After(cutoff) {
			live = append(live, d)
		}
	}
	return live
}

// refreshLoads recomputes per-device load from the queue's own
// ASSIGNED/RUNNING counts.
func (s *Scheduler) refreshLoads() {
	counts := s.q.ActiveCounts()
	s.mu.Lock()
	for id := range s.loads {
		s.loads[id] = counts[id]
	}
	for id, n := range counts {
		s.loads[id] = n
	}
	s.mu.Unlock()
}

func (s *Scheduler) onQueueEvent(ev Event) {
	if ev.Kind != EventStatusChanged {
		return
	}
	switch ev.Status {
	case StatusSuccess:
		s.completed.Add(1)
	case StatusFailed, StatusTimeout:
		s.failed.Add(1)
	}
	if ev.Status == StatusFailed && s.cfg.AutoRetry {
		s.rmu.Lock()
		s.retries[ev.TaskID] = s.now().Add(s.cfg.RetryBackoff)
		s.rmu.Unlock()
	}
}

func (s *Scheduler) runDueRetries() {
	now := s.now()
	var due []string
	s.rmu.Lock()
	for id, at := range s.retries {
		if !at.After(now) {
			due = append(due, id)
			delete(s.retries, id)
		}
	}
	s.rmu.Unlock()
	for _, id := range due {
		if !s.q.RetryFailedTask(id) {
			s.log.Debugf("auto-retry skipped: task=%s", id)
		}
	}
}

// SubmitTask queues t and returns its id, generating one when empty.
func (s *Scheduler) SubmitTask(t *Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.q.AddTask(t); err != nil {
		return "", err
	}
	s.log.Infof("task submitted: id=%s type=%s priority=%s", t.ID, t.Type, t.Priority)
	return t.ID, nil
}

// GetTaskStatus returns the status of a task.
func (s *Scheduler) GetTaskStatus(taskID string) (Status, bool) {
	t, ok := s.q.GetTask(taskID)
	if !ok {
		return "", false
	}
	return t.Status, true
}

// GetTask returns a copy of a task.
func (s *Scheduler) GetTask(taskID string) (*Task, bool) { return s.q.GetTask(taskID) }

// GetTaskResult returns the attached result of a finished task.
func (s *Scheduler) GetTaskResult(taskID string) (*TaskResult, bool) {
	t, ok := s.q.GetTask(taskID)
	if !ok || t.Result == nil {
		return nil, false
	}
	return t.Result, true
}

// CancelTask cancels a task that has not finished.
func (s *Scheduler) CancelTask(taskID string) bool {
	s.rmu.Lock()
	delete(s.retries, taskID)
	s.rmu.Unlock()
	return s.q.CancelTask(taskID)
}

// RetryFailedTask requeues a FAILED task with retry budget left.
func (s *Scheduler) RetryFailedTask(taskID string) bool {
	s.rmu.Lock()
	delete(s.retries, taskID)
	s.rmu.Unlock()
	return s.q.RetryFailedTask(taskID)
}

// GetQueueStatistics returns queue counters.
func (s *Scheduler) GetQueueStatistics() QueueStats { return s.q.GetQueueStatistics() }

// Stats returns the scheduler's running counters.
func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		TasksScheduled:  s.scheduled.Load(),
		TasksCompleted:  s.completed.Load(),
		TasksFailed:     s.failed.Load(),
		SchedulerRounds: s.rounds.Load(),
	}
	if ns := s.lastRound.Load(); ns > 0 {
		st.LastScheduleTime = time.Unix(0, ns)
	}
	return st
}

// GetClusterStatistics reports device population, capacity and load.
func (s *Scheduler) GetClusterStatistics() ClusterStats {
	st := ClusterStats{
		Devices:      s.reg.Stats(),
		DeviceLoads:  make(map[string]DeviceLoad),
		PendingTasks: s.q.PendingCount(),
		RunningTasks: s.q.RunningCount(),
		Scheduler:    s.Stats(),
	}
	live := s.liveDevices()
	s.mu.Lock()
	for _, d := range live {
		l := s.loads[d.ID]
		st.DeviceLoads[d.ID] = DeviceLoad{
			Load:        l,
			Capacity:    s.cfg.MaxTasksPerDevice,
			Utilization: float64(l) / float64(s.cfg.MaxTasksPerDevice) * 100,
		}
		st.TotalLoad += l
	}
	s.mu.Unlock()
	st.TotalCapacity = len(live) * s.cfg.MaxTasksPerDevice
	if st.TotalCapacity > 0 {
		st.Utilization = float64(st.TotalLoad) / float64(st.TotalCapacity) * 100
	}
	return st
}

// RegisterDevice adds or refreshes a device.
func (s *Scheduler) RegisterDevice(reg Registration) error {
	if err := s.reg.Register(reg); err != nil {
		return err
	}
	counts := s.q.ActiveCounts()
	s.mu.Lock()
	s.loads[reg.DeviceID] = counts[reg.DeviceID]
	s.mu.Unlock()
	return nil
}

// UnregisterDevice forgets a device. Tasks already placed on it keep their
// assignment until reported or cancelled.
func (s *Scheduler) UnregisterDevice(deviceID string) bool {
	if !s.reg.Remove(deviceID) {
		return false
	}
	s.mu.Lock()
	delete(s.loads, deviceID)
	for typ, id := range s.affinity {
		if id == deviceID {
			delete(s.affinity, typ)
		}
	}
	s.mu.Unlock()
	return true
}

// UpdateDeviceHeartbeat refreshes device liveness.
func (s *Scheduler) UpdateDeviceHeartbeat(deviceID string, metrics map[string]any) bool {
	return s.reg.Heartbeat(deviceID, metrics)
}

// PollTask hands the next task for a registered device.
func (s *Scheduler) PollTask(deviceID string) (*Task, bool, error) {
	d, ok := s.reg.Get(deviceID)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	t, ok := s.q.GetNextTask(deviceID, d.Capabilities)
	if ok {
		s.mu.Lock()
		s.loads[deviceID] = s.q.ActiveCounts()[deviceID]
		s.mu.Unlock()
	}
	return t, ok, nil
}

// ReportRunning records that deviceID started taskID.
func (s *Scheduler) ReportRunning(taskID, deviceID string) error {
	return s.q.ReportStatus(taskID, deviceID, StatusRunning, nil)
}

// ReportResult drives a task to the terminal status carried by res. The
// result must come from the device the task is assigned to.
func (s *Scheduler) ReportResult(res *TaskResult) error {
	if res == nil {
		return fmt.Errorf("%w: nil result", ErrInvalidTask)
	}
	if !res.Status.Terminal() {
		return fmt.Errorf("%w: result status %q is not terminal", ErrInvalidTransition, res.Status)
	}
	if err := s.q.ReportStatus(res.TaskID, res.WorkerDeviceID, res.Status, res); err != nil {
		return err
	}
	s.log.Infof("task finished: id=%s status=%s device=%s took=%.3fs", res.TaskID, res.Status, res.WorkerDeviceID, res.ExecutionTime)
	return nil
}

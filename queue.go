package fleetq

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/UniQw/fleetq/internal/pqueue"
)

// EventKind names a queue mutation delivered to listeners.
type EventKind string

const (
	EventAdded         EventKind = "added"
	EventAssigned      EventKind = "assigned"
	EventStatusChanged EventKind = "status_changed"
	EventCancelled     EventKind = "cancelled"
	EventRetried       EventKind = "retried"
	EventEvicted       EventKind = "evicted"
)

// Event describes one queue mutation.
type Event struct {
	Kind     EventKind
	TaskID   string
	TaskType string
	DeviceID string
	Status   Status
	Previous Status
}

// Listener observes queue events. Listeners run synchronously on the
// goroutine that caused the event, after the queue lock has been released.
type Listener func(Event)

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	TotalTasks        int            `json:"total_tasks"`
	ByStatus          map[Status]int `json:"by_status"`
	ByPriority        map[string]int `json:"by_priority"`
	ByDevice          map[string]int `json:"by_device"`
	PriorityQueueSize int            `json:"priority_queue_size"`
	DeviceQueues      map[string]int `json:"device_queues"`
}

// Queue is the ordered holding area for tasks plus their post-assignment
// bookkeeping. A single mutex guards every structure.
//
// Unpinned QUEUED tasks live in a max-heap keyed by (priority, arrival).
// Heap entries are invalidated lazily: an entry is live only while
// slots[id] still holds its sequence number. Pinned tasks wait in a
// per-device FIFO instead; pinnedTo records which FIFO currently owns them.
type Queue struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	heap     *pqueue.Queue
	slots    map[string]uint64
	seq      uint64
	pinned   map[string][]string
	pinnedTo map[string]string
	byDevice map[string]map[string]struct{}

	lmu       sync.RWMutex
	listeners []Listener

	log Logger
	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(l Logger) *Queue {
	return &Queue{
		tasks:    make(map[string]*Task),
		heap:     pqueue.New(),
		slots:    make(map[string]uint64),
		pinned:   make(map[string][]string),
		pinnedTo: make(map[string]string),
		byDevice: make(map[string]map[string]struct{}),
		log:      orDefault(l),
		now:      time.Now,
	}
}

// AddListener registers fn for every subsequent event.
func (q *Queue) AddListener(fn Listener) {
	q.lmu.Lock()
	q.listeners = append(q.listeners, fn)
	q.lmu.Unlock()
}

func (q *Queue) notify(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	q.lmu.RLock()
	ls := append([]Listener(nil), q.listeners...)
	q.lmu.RUnlock()
	for _, ev := range evs {
		for _, fn := range ls {
			q.safeCall(fn, ev)
		}
	}
}

func (q *Queue) safeCall(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("queue listener panicked: event=%s task=%s err=%v", ev.Kind, ev.TaskID, r)
		}
	}()
	fn(ev)
}

// AddTask stores a copy of t as QUEUED. Tasks with a TargetDeviceID go to
// that device's pinned queue; all others enter the priority heap.
func (q *Queue) AddTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	c := t.Clone()
	if c.Priority == 0 {
		c.Priority = PriorityNormal
	}
	if c.Requirements.TimeoutSeconds == 0 {
		c.Requirements.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if err := c.validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = q.now()
	}
	c.Status = StatusQueued
	c.AssignedDeviceID = ""
	c.Result = nil

	q.mu.Lock()
	if _, dup := q.tasks[c.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, c.ID)
	}
	q.seq++
	c.arrival = q.seq
	q.tasks[c.ID] = c
	q.enqueueLocked(c)
	q.mu.Unlock()

	q.log.Debugf("task queued: id=%s type=%s priority=%s target=%s", c.ID, c.Type, c.Priority, c.TargetDeviceID)
	q.notify(Event{Kind: EventAdded, TaskID: c.ID, TaskType: c.Type, DeviceID: c.TargetDeviceID, Status: StatusQueued})
	return nil
}

func (q *Queue) enqueueLocked(t *Task) {
	if t.TargetDeviceID != "" {
		q.pinLocked(t.ID, t.TargetDeviceID)
		return
	}
	q.seq++
	q.slots[t.ID] = q.seq
	q.heap.Push(pqueue.Item{ID: t.ID, Priority: int(t.Priority), Seq: q.seq})
}

// pinLocked moves a task into deviceID's pinned FIFO, invalidating any heap
// entry or previous pin.
func (q *Queue) pinLocked(taskID, deviceID string) {
	delete(q.slots, taskID)
	if q.pinnedTo[taskID] == deviceID {
		return
	}
	q.pinnedTo[taskID] = deviceID
	q.pinned[deviceID] = append(q.pinned[deviceID], taskID)
}

func (q *Queue) assignLocked(t *Task, deviceID string) {
	t.Status = StatusAssigned
	t.AssignedDeviceID = deviceID
	t.AssignedAt = q.now()
	set := q.byDevice[deviceID]
	if set == nil {
		set = make(map[string]struct{})
		q.byDevice[deviceID] = set
	}
	set[t.ID] = struct{}{}
}

// release drops every placement structure that still references t.
func (q *Queue) releaseLocked(t *Task) {
	delete(q.slots, t.ID)
	delete(q.pinnedTo, t.ID)
	if set := q.byDevice[t.AssignedDeviceID]; set != nil {
		delete(set, t.ID)
		if len(set) == 0 {
			delete(q.byDevice, t.AssignedDeviceID)
		}
	}
}

// GetNextTask hands deviceID its next task. The device's pinned queue is
// drained first; otherwise the head of the priority heap is offered if caps
// satisfy its requirements. A non-matching head is pushed back and nothing
// is returned, so each call inspects at most one heap entry.
func (q *Queue) GetNextTask(deviceID string, caps Capabilities) (*Task, bool) {
	var out *Task
	var evs []Event

	q.mu.Lock()
	dq := q.pinned[deviceID]
	for len(dq) > 0 && out == nil {
		id := dq[0]
		dq = dq[1:]
		t, ok := q.tasks[id]
		if !ok || q.pinnedTo[id] != deviceID {
			continue
		}
		delete(q.pinnedTo, id)
		switch {
		case t.Status == StatusAssigned && t.AssignedDeviceID == deviceID:
			out = t.Clone()
		case t.Status == StatusQueued:
			q.assignLocked(t, deviceID)
			evs = append(evs, Event{Kind: EventAssigned, TaskID: id, TaskType: t.Type, DeviceID: deviceID, Status: StatusAssigned, Previous: StatusQueued})
			out = t.Clone()
		}
	}
	if len(dq) == 0 {
		delete(q.pinned, deviceID)
	} else {
		q.pinned[deviceID] = dq
	}

	if out == nil {
		if it, ok := q.popLiveLocked(); ok {
			t := q.tasks[it.ID]
			if t.Requirements.Matches(caps) {
				delete(q.slots, it.ID)
				q.assignLocked(t, deviceID)
				evs = append(evs, Event{Kind: EventAssigned, TaskID: t.ID, TaskType: t.Type, DeviceID: deviceID, Status: StatusAssigned, Previous: StatusQueued})
				out = t.Clone()
			} else {
				q.heap.Push(it)
			}
		}
	}
	q.mu.Unlock()

	if out != nil {
		q.log.Debugf("task handed out: id=%s device=%s", out.ID, deviceID)
	}
	q.notify(evs...)
	return out, out != nil
}

// popLiveLocked pops heap entries until it finds one that is still current.
func (q *Queue) popLiveLocked() (pqueue.Item, bool) {
	for {
		it, ok := q.heap.Pop()
		if !ok {
			return it, false
		}
		if q.slots[it.ID] != it.Seq {
			continue
		}
		if t, ok := q.tasks[it.ID]; ok && t.Status == StatusQueued {
			return it, true
		}
		delete(q.slots, it.ID)
	}
}

// AssignTaskToDevice places a QUEUED task on deviceID: the task becomes
// ASSIGNED and waits in the device's pinned queue until the device polls.
func (q *Queue) AssignTaskToDevice(taskID, deviceID string) bool {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status != StatusQueued || deviceID == "" {
		q.mu.Unlock()
		return false
	}
	q.pinLocked(taskID, deviceID)
	q.assignLocked(t, deviceID)
	ev := Event{Kind: EventAssigned, TaskID: taskID, TaskType: t.Type, DeviceID: deviceID, Status: StatusAssigned, Previous: StatusQueued}
	q.mu.Unlock()

	q.log.Debugf("task assigned: id=%s device=%s", taskID, deviceID)
	q.notify(ev)
	return true
}

// PinTask targets a QUEUED task at deviceID without assigning it; the task
// stays QUEUED until that device polls.
func (q *Queue) PinTask(taskID, deviceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status != StatusQueued || deviceID == "" {
		return false
	}
	t.TargetDeviceID = deviceID
	q.pinLocked(taskID, deviceID)
	return true
}

// UpdateTaskStatus moves a task through the state machine. Terminal statuses
// stamp completion, attach a copy of res and release assignment bookkeeping.
// A terminal task never changes again.
func (q *Queue) UpdateTaskStatus(taskID string, status Status, res *TaskResult) error {
	return q.transition(taskID, "", status, res)
}

// ReportStatus is UpdateTaskStatus on behalf of deviceID: a non-terminal task
// that is not currently assigned to deviceID is rejected with ErrDevice.
// The ownership check and the transition happen under one lock, so a late
// report cannot land on an attempt that was requeued or handed elsewhere.
func (q *Queue) ReportStatus(taskID, deviceID string, status Status, res *TaskResult) error {
	if deviceID == "" {
		return fmt.Errorf("%w: report for task %s carries no device id", ErrInvalidTask, taskID)
	}
	return q.transition(taskID, deviceID, status, res)
}

func (q *Queue) transition(taskID, owner string, status Status, res *TaskResult) error {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	prev := t.Status
	if owner != "" && !prev.Terminal() && t.AssignedDeviceID != owner {
		assigned := t.AssignedDeviceID
		q.mu.Unlock()
		if assigned == "" {
			assigned = "no device"
		}
		return fmt.Errorf("%w: task %s is assigned to %s, not %s", ErrDevice, taskID, assigned, owner)
	}
	if prev == status && !prev.Terminal() {
		q.mu.Unlock()
		return nil
	}
	if !canTransition(prev, status) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, prev, status, taskID)
	}
	now := q.now()
	switch {
	case status == StatusRunning:
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
	case status.Terminal():
		if prev == StatusAssigned && t.StartedAt.IsZero() {
			t.StartedAt = now
			if res != nil && !res.StartedAt.IsZero() {
				t.StartedAt = res.StartedAt
			}
		}
		t.CompletedAt = now
		if res != nil {
			r := res.Clone()
			r.TaskID = taskID
			r.Status = status
			t.Result = r
		}
		if status == StatusFailed || status == StatusTimeout {
			msg := string(status)
			if res != nil && res.Error != "" {
				msg = res.Error
			}
			t.ErrorHistory = append(t.ErrorHistory, msg)
		}
		q.releaseLocked(t)
	}
	t.Status = status
	ev := Event{Kind: EventStatusChanged, TaskID: taskID, TaskType: t.Type, DeviceID: t.AssignedDeviceID, Status: status, Previous: prev}
	q.mu.Unlock()

	q.log.Debugf("task status: id=%s %s -> %s", taskID, prev, status)
	q.notify(ev)
	return nil
}

// CancelTask cancels a task that has not reached a terminal status.
func (q *Queue) CancelTask(taskID string) bool {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	prev := t.Status
	t.Status = StatusCancelled
	t.CompletedAt = q.now()
	q.releaseLocked(t)
	ev := Event{Kind: EventCancelled, TaskID: taskID, TaskType: t.Type, DeviceID: t.AssignedDeviceID, Status: StatusCancelled, Previous: prev}
	q.mu.Unlock()

	q.log.Infof("task cancelled: id=%s was=%s", taskID, prev)
	q.notify(ev)
	return true
}

// RetryFailedTask requeues a FAILED task whose retry budget is not spent.
// The task passes through PENDING back to QUEUED with a fresh queue slot
// and its placement fields cleared.
func (q *Queue) RetryFailedTask(taskID string) bool {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status != StatusFailed || t.RetryCount >= t.Requirements.MaxRetries {
		q.mu.Unlock()
		return false
	}
	t.RetryCount++
	t.Status = StatusPending
	t.AssignedDeviceID = ""
	t.AssignedAt = time.Time{}
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.Result = nil
	q.seq++
	t.arrival = q.seq
	t.Status = StatusQueued
	q.enqueueLocked(t)
	ev := Event{Kind: EventRetried, TaskID: taskID, TaskType: t.Type, Status: StatusQueued, Previous: StatusFailed}
	n, maxN := t.RetryCount, t.Requirements.MaxRetries
	q.mu.Unlock()

	q.log.Infof("task retried: id=%s attempt=%d/%d", taskID, n, maxN)
	q.notify(ev)
	return true
}

// CleanupCompletedTasks evicts terminal tasks completed more than maxAge ago.
func (q *Queue) CleanupCompletedTasks(maxAge time.Duration) int {
	cutoff := q.now().Add(-maxAge)
	var evs []Event
	q.mu.Lock()
	for id, t := range q.tasks {
		if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
			q.releaseLocked(t)
			delete(q.tasks, id)
			evs = append(evs, Event{Kind: EventEvicted, TaskID: id, TaskType: t.Type, Status: t.Status})
		}
	}
	if len(q.slots) < q.heap.Len()/2 {
		q.heap.Compact(func(it pqueue.Item) bool { return q.slots[it.ID] == it.Seq })
	}
	q.mu.Unlock()

	if len(evs) > 0 {
		q.log.Infof("evicted %d completed tasks older than %s", len(evs), maxAge)
	}
	q.notify(evs...)
	return len(evs)
}

// GetTask returns a copy of one task.
func (q *Queue) GetTask(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of the tasks matching any of statuses (all tasks when
// none are given), ordered by priority desc then arrival.
func (q *Queue) Tasks(statuses ...Status) []*Task {
	q.mu.Lock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if len(statuses) == 0 || hasStatus(statuses, t.Status) {
			out = append(out, t.Clone())
		}
	}
	q.mu.Unlock()
	sortByPlacementOrder(out)
	return out
}

// TasksByDevice returns copies of the tasks currently ASSIGNED or RUNNING on deviceID.
func (q *Queue) TasksByDevice(deviceID string) []*Task {
	q.mu.Lock()
	out := make([]*Task, 0, len(q.byDevice[deviceID]))
	for id := range q.byDevice[deviceID] {
		out = append(out, q.tasks[id].Clone())
	}
	q.mu.Unlock()
	sortByPlacementOrder(out)
	return out
}

// ActiveCounts returns the number of ASSIGNED or RUNNING tasks per device.
func (q *Queue) ActiveCounts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.byDevice))
	for d, set := range q.byDevice {
		out[d] = len(set)
	}
	return out
}

// PendingCount returns the number of tasks waiting for placement.
func (q *Queue) PendingCount() int { return q.countStatus(StatusPending, StatusQueued) }

// RunningCount returns the number of tasks assigned to or running on a device.
func (q *Queue) RunningCount() int { return q.countStatus(StatusAssigned, StatusRunning) }

func (q *Queue) countStatus(statuses ...Status) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if hasStatus(statuses, t.Status) {
			n++
		}
	}
	return n
}

// GetQueueStatistics counts tasks by status, priority and assigned device.
func (q *Queue) GetQueueStatistics() QueueStats {
	st := QueueStats{
		ByStatus:     make(map[Status]int, len(AllStatuses)),
		ByPriority:   make(map[string]int, len(AllPriorities)),
		ByDevice:     make(map[string]int),
		DeviceQueues: make(map[string]int),
	}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, p := range AllPriorities {
		st.ByPriority[p.String()] = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st.TotalTasks = len(q.tasks)
	for _, t := range q.tasks {
		st.ByStatus[t.Status]++
		st.ByPriority[t.Priority.String()]++
		if t.AssignedDeviceID != "" {
			st.ByDevice[t.AssignedDeviceID]++
		}
	}
	st.PriorityQueueSize = len(q.slots)
	for d, ids := range q.pinned {
		n := 0
		for _, id := range ids {
			if q.pinnedTo[id] == d {
				n++
			}
		}
		if n > 0 {
			st.DeviceQueues[d] = n
		}
	}
	return st
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortByPlacementOrder(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.arrival < b.arrival
	})
}

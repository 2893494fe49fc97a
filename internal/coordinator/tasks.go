package coordinator

import (
	"sort"
	"sync"
	"time"

	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/types"
)

// taskRecord guards one task. Its mutex covers the task, its subtasks and
// the assignment entries belonging to the task.
type taskRecord struct {
	mu       sync.Mutex
	task     *types.Task
	strategy workload.Strategy
	index    map[string]*types.Subtask
	done     chan struct{}
	doneOnce sync.Once
}

func newTaskRecord(task *types.Task, strategy workload.Strategy) *taskRecord {
	return &taskRecord{
		task:     task,
		strategy: strategy,
		index:    make(map[string]*types.Subtask),
		done:     make(chan struct{}),
	}
}

// setSubtasks installs the partition. Callers hold mu.
func (r *taskRecord) setSubtasks(subtasks []*types.Subtask) {
	r.task.Subtasks = subtasks
	for _, st := range subtasks {
		r.index[st.ID] = st
	}
}

func (r *taskRecord) subtask(id string) *types.Subtask {
	return r.index[id]
}

func (r *taskRecord) allCompleted() bool {
	if len(r.task.Subtasks) == 0 {
		return false
	}
	for _, st := range r.task.Subtasks {
		if st.Status != types.SubtaskStatusCompleted {
			return false
		}
	}
	return true
}

// closed reports whether the task no longer accepts dispatches or results.
func (r *taskRecord) closed() bool {
	return r.task.Cancelled || r.task.Status.IsTerminal()
}

// finish moves the task to a terminal status. Callers hold mu.
func (r *taskRecord) finish(status types.TaskStatus, at time.Time) {
	r.task.Status = status
	r.task.FinishedAt = &at
	r.doneOnce.Do(func() { close(r.done) })
}

// TaskStore indexes task records by id.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*taskRecord
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*taskRecord)}
}

func (s *TaskStore) add(rec *taskRecord) {
	s.mu.Lock()
	s.tasks[rec.task.ID] = rec
	s.mu.Unlock()
}

func (s *TaskStore) get(id string) (*taskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	return rec, ok
}

func (s *TaskStore) remove(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *TaskStore) list() []*taskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*taskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Views returns a snapshot of every task, newest first.
func (s *TaskStore) Views() []*types.TaskView {
	recs := s.list()
	views := make([]*types.TaskView, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		views = append(views, rec.task.View())
		rec.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].SubmittedAt.After(views[j].SubmittedAt)
	})
	return views
}

// backlogEntry is a queued subtask waiting for a capable node.
type backlogEntry struct {
	key      AssignmentKey
	priority int
	exclude  string
	seq      uint64
}

// backlog holds subtasks that found no capable node. Entries are retried
// in priority order, oldest first within a priority.
type backlog struct {
	mu      sync.Mutex
	entries map[AssignmentKey]backlogEntry
	seq     uint64
}

func newBacklog() *backlog {
	return &backlog{entries: make(map[AssignmentKey]backlogEntry)}
}

func (b *backlog) add(key AssignmentKey, priority int, exclude string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		return
	}
	b.seq++
	b.entries[key] = backlogEntry{key: key, priority: priority, exclude: exclude, seq: b.seq}
}

func (b *backlog) remove(key AssignmentKey) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

func (b *backlog) removeTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.entries {
		if k.TaskID == taskID {
			delete(b.entries, k)
		}
	}
}

func (b *backlog) ordered() []backlogEntry {
	b.mu.Lock()
	out := make([]backlogEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

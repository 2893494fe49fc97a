package coordinator

import "sync"

// AssignmentKey identifies one subtask.
type AssignmentKey struct {
	TaskID    string
	SubtaskID string
}

// AssignmentTable maps each dispatched subtask to the node executing it.
// A key holds at most one node, so a subtask can never have two active
// assignments. Its lock is a leaf: nothing else is acquired while held.
type AssignmentTable struct {
	mu      sync.RWMutex
	entries map[AssignmentKey]string
	byNode  map[string]map[AssignmentKey]struct{}
}

// NewAssignmentTable creates an empty table.
func NewAssignmentTable() *AssignmentTable {
	return &AssignmentTable{
		entries: make(map[AssignmentKey]string),
		byNode:  make(map[string]map[AssignmentKey]struct{}),
	}
}

// Set binds key to nodeID, overwriting any previous binding.
// It returns the previous owner, if any.
func (t *AssignmentTable) Set(key AssignmentKey, nodeID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.entries[key]
	if had {
		t.unindex(prev, key)
	}
	t.entries[key] = nodeID
	keys, ok := t.byNode[nodeID]
	if !ok {
		keys = make(map[AssignmentKey]struct{})
		t.byNode[nodeID] = keys
	}
	keys[key] = struct{}{}
	return prev, had
}

// Clear removes the binding for key and returns the node it referenced.
func (t *AssignmentTable) Clear(key AssignmentKey) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nodeID, ok := t.entries[key]
	if !ok {
		return "", false
	}
	delete(t.entries, key)
	t.unindex(nodeID, key)
	return nodeID, true
}

func (t *AssignmentTable) unindex(nodeID string, key AssignmentKey) {
	if keys, ok := t.byNode[nodeID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.byNode, nodeID)
		}
	}
}

// Get returns the node bound to key.
func (t *AssignmentTable) Get(key AssignmentKey) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodeID, ok := t.entries[key]
	return nodeID, ok
}

// ByNode returns every key bound to nodeID.
func (t *AssignmentTable) ByNode(nodeID string) []AssignmentKey {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]AssignmentKey, 0, len(t.byNode[nodeID]))
	for k := range t.byNode[nodeID] {
		keys = append(keys, k)
	}
	return keys
}

// Outstanding returns how many subtasks nodeID currently holds.
func (t *AssignmentTable) Outstanding(nodeID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byNode[nodeID])
}

// Len returns the number of active assignments.
func (t *AssignmentTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of every binding.
func (t *AssignmentTable) Snapshot() map[AssignmentKey]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[AssignmentKey]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

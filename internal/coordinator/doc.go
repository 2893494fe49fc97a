// Package coordinator implements the grid-engine control plane: the node
// registry, the heartbeat monitor, the task partitioner, the dispatcher, the
// result aggregator and the reassignment controller.
//
// All shared state lives in a State value created per coordinator. Locks are
// always taken in the order task record, then registry read lock, then
// assignment table. The registry never acquires a task lock.
package coordinator

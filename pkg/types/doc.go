// Package types defines the core data structures shared by the coordinator,
// the worker agent and the transports.
//
// This package contains:
//   - Node and capability profiles
//   - Task and Subtask records and their statuses
//   - Message envelopes for the registration, task-distribution, results
//     and heartbeat channels
package types

// Package workload holds the task types grid-engine can run.
//
// Each type is split in two halves. A Strategy lives on the coordinator and
// knows how to size, slice and reassemble a payload. An Executor lives on the
// worker and computes one slice. New types are added by registering both
// halves under the same type tag.
package workload

// Package flow defines the immutable data model shared by the planner,
// executor, recovery engine and validator: plans, steps, append-only step
// results, recovery attempts and the atomic-mode policy table.
package flow

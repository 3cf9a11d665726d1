// Package schedule holds the job model and the trigger evaluator.
//
// Everything here is pure: no clocks, no locks, no I/O. Callers pass the
// current instant explicitly.
package schedule

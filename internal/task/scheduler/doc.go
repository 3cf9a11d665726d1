// Package scheduler arms jobs and fires them when their trigger is due.
//
// Each job id moves through UNARMED, ARMED and, for one-offs, TERMINATED.
// Recurring jobs wake through a cron instance driven by a custom
// cron.Schedule; one-offs wake through a timer. Every armed entry carries a
// version, and a wake-up whose version no longer matches is ignored, so a
// disarmed job can never dispatch.
//
// A scheduler owns a partition of origins. The bot process arms system jobs
// and the web process arms user jobs; Reconcile ignores jobs outside the
// partition.
package scheduler

// Package trigger submits work on a schedule.
//
// It owns a robfig/cron instance and only decides when to fire. What a fire does
// (usually submitting a job into the queue) is up to the registered Func.
package trigger

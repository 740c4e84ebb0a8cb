// Package scheduler drives the keeper loop.
//
// Every cadence tick it sweeps the registry: list active tasks, select the
// due ones, submit one engine job per task (coordinator, then recorder) and
// wait for the batch before the next tick may start. A second cron entry
// prunes the outcome log on its own schedule.
package scheduler

// Package scheduler decides when work runs; the task engine runs it.
//
// Two front-ends share the engine:
//   - a timer heap for one-shot jobs keyed by a caller-chosen id
//     (reminders), with last-writer-wins Schedule and Cancel
//   - a cron registry for recurring maintenance jobs (robfig/cron)
package scheduler

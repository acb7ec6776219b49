// Package storage persists schedules and their reminders in SQLite.
//
// A schedule owns exactly one reminder row. Editing a schedule's timing
// replaces that row inside the same transaction, so a reminder id that
// was handed to the scheduling engine either still describes the current
// fire time or no longer exists.
//
// All instants are stored as UTC unix milliseconds.
package storage

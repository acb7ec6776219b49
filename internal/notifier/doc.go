// Package notifier delivers chat messages on behalf of the rest of the bot.
//
// Messages go through a bounded queue drained by a small worker pool. Each
// send waits on a shared token bucket so bursts (for example a recovery
// pass firing many past-due reminders at once) stay under the chat
// platform's flood limits.
//
// # Reminders
//
// NotifyReminder renders a fired reminder in the configured display
// timezone and queues it for the reminder's owner. Delivery is
// fire-and-forget: the reminder is already marked sent by the time it gets
// here, and a failed send is reported on the bus, never replayed.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recently delivered messages.
package notifier

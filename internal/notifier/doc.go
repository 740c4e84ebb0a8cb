// Package notifier turns keeper events into operator alerts.
//
// It listens on the event bus for outcome events (by default out_of_funds and
// abandoned) and panicking jobs, formats a short message per event and sends it
// through a transport.Sender. Delivery is asynchronous: a bounded queue, a
// token-bucket rate limit, retries with backoff and a dedup window so a task
// abandoned every sweep does not flood the chat.
//
// Alerting is best-effort and never blocks the keeper loop.
package notifier

// Package notifier delivers booking outcomes and operator alerts.
//
// Messages go through one async pipeline: a bounded queue, a worker pool,
// a shared token-bucket limiter, per-sender retry with jittered backoff and a
// dedup window that can persist across restarts. Enqueueing never blocks the
// caller; a full queue drops the message and reports ErrQueueFull.
//
// # Senders
//
// NtfySender posts to an ntfy topic. TelegramSender sends through the Bot API
// to one chat (optionally one forum thread). Each message goes to every
// configured sender.
//
// BookingNotifier adapts the pipeline to the booking engine and to the logx
// alert sink.
package notifier

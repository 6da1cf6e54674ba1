// Package notifier turns job failures published on the event bus into
// operator alerts in the Telegram log chat.
//
// Alerts are deduplicated per job and error text for a window, optionally
// across restarts through the store, and paced by a token bucket so a
// failing job cannot flood the chat.
package notifier

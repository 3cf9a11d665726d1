// Package notifier delivers text through a transport with retries.
//
// Retrying wraps any transport.Sender. A failed send is retried with
// exponential backoff and jitter unless the transport classified the error
// as permanent. A platform-requested retry-after replaces the computed delay
// when it is longer.
//
// # Events
//
// When the last attempt fails a delivery.failed event is published on the
// event bus, if one is configured.
package notifier

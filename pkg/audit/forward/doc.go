// Package forward ships persisted audit records to external intakes.
//
// WebhookForwarder posts an HMAC-signed JSON envelope with retries. Async
// wraps any Forwarder in a bounded worker pool so recording never waits on
// delivery; dropped and failed deliveries only show up in logs and metrics.
package forward

// Package rpc implements request/response on top of a publish/subscribe
// transport.
//
// A command named "echo" is served on four topics:
//
//	echo/invoke   requests, {messageId, ...arguments}
//	echo/cancel   cancellation of an in-flight request, {messageId}
//	echo/resolve  successful results, {messageId, ...result}
//	echo/reject   failures, {messageId, ok: false, status, message}
//
// The serving side registers a Handler with Client.Register. Every accepted
// invocation settles exactly once: its outcome is published to resolve or
// reject, unless a cancel arrived first, in which case nothing is published.
//
// The calling side subscribes to the resolve and reject topics of the command
// it calls and correlates the outcomes by messageId. Client.Call only
// publishes the request; Client.Invoke does the whole round trip.
//
// Inbound messages are processed one at a time and acknowledged only after
// every subscriber of their topic succeeded. Failures are retried forever
// with capped exponential backoff until the Client is closed.
package rpc

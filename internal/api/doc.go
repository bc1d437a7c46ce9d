// Package api exposes a queue over HTTP: activity, per-job state, cancel,
// start/stop, and a Server-Sent Events stream of lifecycle events.
package api

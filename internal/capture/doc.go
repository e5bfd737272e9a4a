// Package capture turns a session-oriented browser backend into a dependable
// screenshot endpoint: request resolution, the per-attempt session pipeline,
// selector fallback, error classification, the one-retry policy, and the
// response cache gate.
package capture

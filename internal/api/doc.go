// Package api exposes the vault engine over HTTP: signed transaction
// submission, read-only snapshots of vault, policy, tracker, sessions and
// balances, derived record addresses, recent events, health and metrics.
package api

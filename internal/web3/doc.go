// Package web3 provides the monotonic slot clock that the vault engine uses
// for session expiry and rolling-window timestamps. Slots come either from a
// local ticker, a manually driven clock, or the head of an EVM chain.
package web3

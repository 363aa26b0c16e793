package cqe

import "errors"

// Errors returned by the engine. Backpressure errors are expected and the
// caller may retry; the rest fail the request or the whole engine.
var (
	// ErrBackpressure means every data tag is in use.
	ErrBackpressure = errors.New("cqe: no free tag")

	// ErrNotReady means the engine is not running: it is disabled, halted,
	// or recovering.
	ErrNotReady = errors.New("cqe: engine not running")

	// ErrInFlight means the request is already outstanding.
	ErrInFlight = errors.New("cqe: request already submitted")

	// ErrRecovery fails every request that was outstanding when the engine
	// went through halt and task clear.
	ErrRecovery = errors.New("cqe: request aborted by recovery")

	// ErrHaltTimeout means the controller did not acknowledge a halt.
	ErrHaltTimeout = errors.New("cqe: halt timed out")

	// ErrClearTimeout means the controller did not finish clearing tasks.
	ErrClearTimeout = errors.New("cqe: task clear timed out")

	// ErrRecoveryInProgress is returned to idle waiters when recovery starts.
	ErrRecoveryInProgress = errors.New("cqe: recovery in progress")

	// ErrCryptoFault marks a request the controller reported a crypto error
	// for.
	ErrCryptoFault = errors.New("cqe: inline crypto error")
)

var errTimedOut = errors.New("cqe: timed out")

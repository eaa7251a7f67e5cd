//go:build deadlock

// Package syncutil provides the mutex types of the reader engine. Building
// with -tags=deadlock swaps in github.com/sasha-s/go-deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// A continuous inventory holds the Reader lock until its context ends, so
// only lock-order inversions are reported, not long holds.
func init() {
	deadlock.Opts.DeadlockTimeout = 0
}

// Mutex is a deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a deadlock.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}

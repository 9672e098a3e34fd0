// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Timeout bounds how long helpers wait.
const Timeout = 5 * time.Second

const poll = 10 * time.Millisecond

// ErrTimeout is returned by WithinTimeout when nothing arrives in time.
var ErrTimeout = errors.New("timed out")

// WithinTimeout reads an error from ch within Timeout and returns it.
// ErrTimeout is returned if nothing arrives.
func WithinTimeout(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(Timeout):
		return ErrTimeout
	}
}

// NoErrorN performs require.NoError on multiple errors
func NoErrorN(t *testing.T, errs ...error) {
	for _, err := range errs {
		require.NoError(t, err)
	}
}

// Eventually polls cond until it holds, failing the test after Timeout.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	deadline := time.Now().Add(Timeout)
	for !cond() {
		if time.Now().After(deadline) {
			require.FailNow(t, "condition not met before timeout", msgAndArgs...)
		}
		time.Sleep(poll)
	}
}

// Never checks that cond stays false for d.
func Never(t *testing.T, cond func() bool, d time.Duration, msgAndArgs ...interface{}) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			require.FailNow(t, "condition unexpectedly met", msgAndArgs...)
		}
		time.Sleep(poll)
	}
}

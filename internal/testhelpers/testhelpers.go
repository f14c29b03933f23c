// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WithinTimeout reads an error from ch within the given timeout and returns
// it. If the timeout elapses first, the test fails.
func WithinTimeout(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

// NoErrorN performs require.NoError on multiple errors.
func NoErrorN(t *testing.T, errs ...error) {
	t.Helper()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

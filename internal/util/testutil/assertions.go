// Package testutil carries the shared test helpers of the chatwarden
// packages.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyTimeout = 10 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// AssertEventually wraps assert.Eventually with the timeouts the
// chatwarden tests standardize on: 10s overall, polled every 10ms.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, eventuallyTimeout, eventuallyTick, msgAndArgs...)
}

// RequireEventually is AssertEventually's require counterpart: the test
// stops when the condition never holds.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, eventuallyTimeout, eventuallyTick, msgAndArgs...)
}

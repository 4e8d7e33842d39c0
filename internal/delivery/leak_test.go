//go:build !integration

package delivery

import (
	"testing"

	"go.uber.org/goleak"
)

// Container-backed runs skip the leak check: the shared testcontainers
// manager keeps background goroutines alive for the process lifetime.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

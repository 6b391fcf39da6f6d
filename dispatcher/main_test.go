package dispatcher

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain catches goroutine leaks from the dispatcher's Run tick loop,
// the server-side analogue of worker's poll-loop lifecycle check.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

package commands

import (
	"errors"
	"time"

	"github.com/moosgo/moos/cmd/moos-cli/internal"
	"github.com/moosgo/moos/pkg/comms"
)

var errNotConnected = errors.New("could not connect to MOOSDB")

func dial(tickHz float64) *comms.Client {
	c := comms.NewClient(comms.DefaultClientConfig(), nil)
	internal.Catch(c.Run(host, port, clientName(), tickHz))
	if !c.WaitUntilConnected(timeout) {
		_ = c.Close() //nolint:errcheck
		internal.Catch(errNotConnected, host)
	}
	return c
}

// flush waits for the outbox to drain.
func flush(c *comms.Client, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.GetNumberOfUnsentMessages() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c.GetNumberOfUnsentMessages() == 0
}

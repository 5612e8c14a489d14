package emergency_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jihwankim/haloserver/pkg/emergency"
)

type fakeGroup struct {
	stopped atomic.Bool
	active  atomic.Bool
}

func (g *fakeGroup) RequestStop()          { g.stopped.Store(true) }
func (g *fakeGroup) ServiceLoopActive() bool { return g.active.Load() }

// Example demonstrates the emergency controller requesting a stop on
// every registered ClientGroup and waiting for their service loops to
// go quiet before the caller closes the TCP acceptor.
func Example() {
	controller := emergency.New(emergency.Config{
		PollInterval:         10 * time.Millisecond,
		EnableSignalHandlers: false,
	})

	g := &fakeGroup{}
	g.active.Store(true)
	controller.RegisterGroup("group-1", g)

	controller.OnShutdown(func(reason string) {
		fmt.Println("shutdown triggered:", reason)
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.active.Store(false)
	}()

	controller.Shutdown("manual stop")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := controller.WaitForQuiescence(ctx); err != nil {
		fmt.Println("quiescence error:", err)
		return
	}
	fmt.Println("all groups idle")

	// Output:
	// shutdown triggered: manual stop
	// all groups idle
}

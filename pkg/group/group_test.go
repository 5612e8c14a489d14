package group

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jihwankim/haloserver/pkg/bakeoff"
	"github.com/jihwankim/haloserver/pkg/compiler"
	"github.com/jihwankim/haloserver/pkg/emergency"
	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/jihwankim/haloserver/pkg/section"
	"github.com/jihwankim/haloserver/pkg/tuner"
	"github.com/jihwankim/haloserver/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	pool := compiler.NewThreadPool(2)
	t.Cleanup(pool.StopWait)

	base := knob.NewKnobSet()
	require.NoError(t, base.Insert(knob.NewInt("unroll-factor", 2, 0, 8, knob.ScaleNone)))

	return Config{
		ServiceInterval: 5 * time.Millisecond,
		SamplePeriod:    1000,
		BaseKnobs:       base,
		TunerParams: tuner.Params{
			LearnIters: 10, TotalBatchSz: 4, SearchSz: 8, MinPrior: 2,
			HeldoutRatio: 0.2, ExploreRatio: 0.5, SurrogateExploreRatio: 0.5, EnergyLvl: 2,
		},
		SectionParams: section.Params{
			Bakeoff:       bakeoff.Parameters{SwitchRate: 3, MaxSwitches: 2, MinSamples: 2, Confidence: bakeoff.Confidence95},
			MaxDupesInRow: 2,
			ForceMerge:    true,
			SamplePeriod:  1000,
			Seed:          1,
		},
		Seed: 1,
		Pool: pool,
		Pipeline: func(bc []byte, ks knob.KnobSet) ([]byte, error) {
			return []byte("obj"), nil
		},
		Log: zerolog.Nop(),
	}
}

func testEnroll() wire.ClientEnroll {
	e := wire.ClientEnroll{ProcessTriple: "x86_64-linux-gnu", HostCPU: "skylake", VMADelta: 0}
	e.Funcs = []wire.FuncDesc{{Label: "hot_fn", Start: 0x1000, Size: 0x100, Patchable: true}}
	e.Module.Bitcode = []byte("bc")
	return e
}

func TestNewGroupBuildsOriginalVersionAndStartsInExperiment(t *testing.T) {
	g := New("group-1", testEnroll(), testConfig(t))
	assert.Equal(t, section.StateExperiment, g.section.State())
	assert.Len(t, g.versions, 1)
}

func TestStartAndRequestStopDriveServiceLoopActive(t *testing.T) {
	g := New("group-1", testEnroll(), testConfig(t))
	g.Start()
	assert.Eventually(t, func() bool { return g.ServiceLoopActive() }, time.Second, time.Millisecond)

	g.RequestStop()
	assert.Eventually(t, func() bool { return !g.ServiceLoopActive() }, time.Second, time.Millisecond)
}

func TestRegistrarRoutesSameFingerprintToSameGroup(t *testing.T) {
	controller := emergency.New(emergency.Config{EnableSignalHandlers: false})
	t.Cleanup(func() { controller.Shutdown("test done") })
	i := 0
	r := NewRegistrar(controller, func() Config { return testConfig(t) }, func() string {
		i++
		return fmt.Sprintf("group-%d", i)
	}, zerolog.Nop())

	e := testEnroll()
	g1 := r.groupFor(e)
	g2 := r.groupFor(e)
	assert.Same(t, g1, g2)

	other := testEnroll()
	other.HostCPU = "icelake"
	g3 := r.groupFor(other)
	assert.NotSame(t, g1, g3)
}

func TestAddClientBroadcastsCurrentDeployOnConnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServiceInterval = time.Hour // keep the ticker from firing mid-test
	g := New("group-1", testEnroll(), cfg)
	g.tuningRoot = "hot_fn" // simulate a tick having already found a root
	g.Start()
	t.Cleanup(g.RequestStop)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	done := make(chan struct{})
	go func() {
		id := g.AddClient(serverSide)
		assert.Equal(t, uint64(0), uint64(id))
		close(done)
	}()

	br := bufio.NewReader(clientSide)
	msg, err := wire.ReadMessage(br)
	require.NoError(t, err)
	assert.Equal(t, wire.KindModifyFunction, msg.Kind)
	<-done
}

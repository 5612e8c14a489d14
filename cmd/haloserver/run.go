package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jihwankim/haloserver/pkg/bakeoff"
	"github.com/jihwankim/haloserver/pkg/compiler"
	"github.com/jihwankim/haloserver/pkg/config"
	"github.com/jihwankim/haloserver/pkg/emergency"
	"github.com/jihwankim/haloserver/pkg/group"
	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/jihwankim/haloserver/pkg/logging"
	"github.com/jihwankim/haloserver/pkg/metrics"
	"github.com/jihwankim/haloserver/pkg/section"
	"github.com/jihwankim/haloserver/pkg/tuner"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// serviceInterval is how often a ClientGroup's AdaptiveTuningSection
// ticks, matching spec.md §3's "serviceIterationRate, typically 250 ms".
const serviceInterval = 250 * time.Millisecond

// metricsAddr is where the Prometheus exposition handler listens. No
// CLI flag names this port explicitly, so it's a fixed sidecar port
// alongside the client-facing TCP port.
const metricsAddr = ":9090"

func runServer(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if halVerbose {
		level = logging.LevelDebug
	}
	root := logging.Init(logging.Config{Level: level, Format: logging.FormatConsole, Output: os.Stdout})
	log := root.Component(logging.ComponentServer)

	if halConfig == "" {
		log.Fatal().Msg("--halo-config is required")
	}

	file, err := config.Load(halConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load server settings")
	}
	if err := config.Validate(file); err != nil {
		log.Fatal().Err(err).Msg("invalid server settings")
	}

	baseKnobs, err := config.BuildBaseKnobSet(file.Knobs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build base knob set")
	}

	port, _ := cmd.Flags().GetInt("halo-port")
	threads, _ := cmd.Flags().GetInt("halo-threads")
	noPersist, _ := cmd.Flags().GetBool("halo-no-persist")
	strategy, _ := cmd.Flags().GetString("halo-strategy")
	metricFlag, _ := cmd.Flags().GetString("halo-metric")
	forceMerge, _ := cmd.Flags().GetBool("halo-forcemerge")

	switch strategy {
	case "adapt", "jit":
	default:
		log.Fatal().Str("strategy", strategy).Msg("--halo-strategy must be adapt or jit")
	}
	metricSel := group.MetricIPC
	switch metricFlag {
	case "ipc":
		metricSel = group.MetricIPC
	case "calls":
		metricSel = group.MetricCalls
	default:
		log.Fatal().Str("metric", metricFlag).Msg("--halo-metric must be ipc or calls")
	}

	reg := metrics.New()
	pool := compiler.NewThreadPool(threads)
	defer pool.StopWait()

	pipeline := compilePipeline()

	s := file.ServerSettings
	sectionParams := section.Params{
		Bakeoff: bakeoff.Parameters{
			SwitchRate:  s.BakeoffSwitchRate,
			MaxSwitches: s.BakeoffMaxSwitches,
			MinSamples:  s.BakeoffMinSamples,
			Confidence:  confidenceOf(s.BakeoffConfidence),
		},
		MaxDupesInRow: s.TSMaxDupesRow,
		ForceMerge:    forceMerge || strategy == "jit",
		SamplePeriod:  s.PerfSamplePeriod,
		Seed:          s.Seed,
	}
	if strategy == "jit" {
		// jit skips the haggling: with no switches allowed, a bakeoff
		// times out on its first new sample without deploying the
		// challenger, and ForceMerge folds the challenger into bestLib.
		sectionParams.Bakeoff.MaxSwitches = 0
		sectionParams.Bakeoff.MinSamples = 1
	}
	tunerParams := tuner.Params{
		LearnIters:            s.PBTunerLearnIters,
		TotalBatchSz:          s.PBTunerBatchSize,
		SearchSz:              s.PBTunerSurrogateSz,
		MinPrior:              s.PBTunerMinPrior,
		HeldoutRatio:          s.PBTunerHeldoutRatio,
		ExploreRatio:          s.PBTunerExploreRatio,
		SurrogateExploreRatio: s.PBTunerSurrogateExplore,
		EnergyLvl:             s.PBTunerEnergyLevel,
	}

	newConfig := func() group.Config {
		return group.Config{
			ServiceInterval: serviceInterval,
			SamplePeriod:    s.PerfSamplePeriod,
			BaseKnobs:       baseKnobs.Clone(),
			LoopKnobSpecs:   file.LoopKnobs,
			TunerParams:     tunerParams,
			SectionParams:   sectionParams,
			Seed:            s.Seed,
			Metric:          metricSel,
			Pool:            pool,
			Pipeline:        pipeline,
			Metrics:         reg,
			Log:             root.Component(logging.ComponentGroup),
		}
	}

	controller := emergency.New(emergency.Config{EnableSignalHandlers: true})
	controller.Start(context.Background())

	registrar := group.NewRegistrar(controller, newConfig, uuid.NewString, root.Component(logging.ComponentGroup))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatal().Err(err).Int("port", port).Msg("failed to listen")
	}
	log.Info().Int("port", port).Str("strategy", strategy).Str("metric", metricFlag).Msg("haloserver listening")

	metricsSrv := newMetricsServer(reg)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Debug().Err(err).Msg("metrics server stopped")
		}
	}()

	tracker := newConnTracker()
	go acceptLoop(ln, registrar, log, tracker, noPersist)

	select {
	case <-controller.Done():
	case <-tracker.drained(noPersist):
		controller.Shutdown("no-persist: all clients disconnected")
	}

	ln.Close()
	_ = metricsSrv.Close()

	quiesceCtx, quiesceCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer quiesceCancel()
	if err := controller.WaitForQuiescence(quiesceCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown: not every group quiesced in time")
		return err
	}
	log.Info().Msg("clean shutdown")
	return nil
}

func confidenceOf(pct int) bakeoff.Confidence {
	if pct == 99 {
		return bakeoff.Confidence99
	}
	return bakeoff.Confidence95
}

// compilePipeline is Halo's (externally supplied, per spec.md §1)
// compilation backend. The actual LLVM pipeline is out of scope; this
// stands in for it with a pure, deterministic function of the knob
// configuration, giving every compile a distinct-but-reproducible
// object-file fingerprint without shelling out to a real toolchain.
func compilePipeline() compiler.Pipeline {
	return func(bitcode []byte, knobs knob.KnobSet) ([]byte, error) {
		return []byte(fmt.Sprintf("obj:%x:%d", knobs.Hash(), len(bitcode))), nil
	}
}

func newMetricsServer(reg *metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	return &http.Server{Addr: metricsAddr, Handler: mux}
}

// connTracker counts live client connections and signals drained()
// once every client that ever connected has since disconnected, for
// --halo-no-persist.
type connTracker struct {
	active  atomic.Int64
	everSaw atomic.Bool
	changed chan struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{changed: make(chan struct{}, 1)}
}

func (t *connTracker) inc() {
	t.active.Add(1)
	t.everSaw.Store(true)
	t.notify()
}

func (t *connTracker) dec() {
	t.active.Add(-1)
	t.notify()
}

func (t *connTracker) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// drained returns a channel that closes once a client has connected
// and every connection has since closed. When noPersist is false it
// returns a channel that never fires.
func (t *connTracker) drained(noPersist bool) <-chan struct{} {
	done := make(chan struct{})
	if !noPersist {
		return done
	}
	go func() {
		for {
			<-t.changed
			if t.everSaw.Load() && t.active.Load() == 0 {
				close(done)
				return
			}
		}
	}()
	return done
}

func acceptLoop(ln net.Listener, registrar *group.Registrar, log zerolog.Logger, tracker *connTracker, noPersist bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if noPersist {
			tracker.inc()
		}
		go func() {
			if err := registrar.HandleConn(conn); err != nil {
				log.Debug().Err(err).Msg("client connection closed")
			}
			if noPersist {
				tracker.dec()
			}
		}()
	}
}

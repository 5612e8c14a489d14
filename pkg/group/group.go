// Package group implements Halo's ClientGroup: the per-binary-fingerprint
// actor that owns one Profiler, one AdaptiveTuningSection, and the set of
// connected clients currently running that binary, per spec.md §5's
// single-writer-per-group concurrency model. Grounded on the teacher's
// pkg/monitoring/collector/collector.go for the Start/Stop/ticker-driven
// service-loop shape, generalized from a single mutex-protected sample
// buffer into a channel-of-closures actor queue so every state mutation
// — ticks and incoming client messages alike — serializes onto one
// goroutine without needing a lock.
package group

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jihwankim/haloserver/pkg/callgraph"
	"github.com/jihwankim/haloserver/pkg/codeversion"
	"github.com/jihwankim/haloserver/pkg/compiler"
	"github.com/jihwankim/haloserver/pkg/config"
	"github.com/jihwankim/haloserver/pkg/knob"
	"github.com/jihwankim/haloserver/pkg/metrics"
	"github.com/jihwankim/haloserver/pkg/profiler"
	"github.com/jihwankim/haloserver/pkg/section"
	"github.com/jihwankim/haloserver/pkg/tuner"
	"github.com/jihwankim/haloserver/pkg/wire"
	"github.com/rs/zerolog"
)

// Config carries everything a ClientGroup needs that doesn't come from
// the client's own enrollment record — the server-wide knob schema and
// every component's tunable parameters, sourced from pkg/config.
type Config struct {
	ServiceInterval time.Duration
	SamplePeriod    uint64

	BaseKnobs     knob.KnobSet
	LoopKnobSpecs []config.KnobSpec
	TunerParams   tuner.Params
	SectionParams section.Params
	Seed          int64

	// Metric selects the quality signal fed to the Section's bakeoffs:
	// MetricIPC (the default) uses mean instructions-per-cycle,
	// MetricCalls uses decayed call frequency instead. Set from
	// --halo-metric.
	Metric Metric

	Pool     *compiler.ThreadPool
	Pipeline compiler.Pipeline

	// Metrics is the shared Prometheus registry every group's Section
	// reports into, labeled by group id. Nil disables metrics.
	Metrics *metrics.Registry

	Log zerolog.Logger
}

// Metric names the quality signal a ClientGroup compares candidate
// versions on.
type Metric string

const (
	MetricIPC   Metric = "ipc"
	MetricCalls Metric = "calls"
)

// ClientGroup is one enrolled binary's tuning session: every client
// process running the same binary (same ProcessTriple+HostCPU+bitcode
// hash fingerprint) joins the same group and sees the same deployed version.
type ClientGroup struct {
	ID  string
	log zerolog.Logger

	actions chan func()
	quit    chan struct{}
	done    chan struct{}
	active  atomic.Bool
	stopped sync.Once

	serviceInterval time.Duration

	clients      map[profiler.ClientID]*clientConn
	nextClientID profiler.ClientID

	graph    *callgraph.CallGraph
	cri      *callgraph.CodeRegionInfo
	prof     *profiler.Profiler
	versions map[string]*codeversion.CodeVersion
	tuner    *tuner.PseudoBayesTuner
	section  *section.Section

	tuningRoot string
	bitcode    []byte
}

// New builds a ClientGroup from the first client's enrollment record.
// Every FuncDesc's address is VMA-normalized by enroll.VMADelta before
// it enters the CodeRegionInfo interval map.
func New(id string, enroll wire.ClientEnroll, cfg Config) *ClientGroup {
	graph := callgraph.NewCallGraph()
	cri := callgraph.NewCodeRegionInfo()
	for _, f := range enroll.Funcs {
		start := f.Start - enroll.VMADelta
		cri.AddFunction(&callgraph.FunctionInfo{Defs: []callgraph.FunctionDefinition{{
			Name:      f.Label,
			Start:     start,
			End:       start + f.Size,
			Patchable: f.Patchable,
		}}})
		graph.SetHaveBitcode(f.Label, true)
	}

	prof := profiler.New(cfg.SamplePeriod, graph, cri)

	baseKnobs := cfg.BaseKnobs.Clone()
	if len(cfg.LoopKnobSpecs) > 0 {
		loopKnobs, err := config.BuildLoopKnobSet(cfg.LoopKnobSpecs, maxLoopCount(enroll.Funcs))
		if err != nil {
			cfg.Log.Warn().Err(err).Msg("failed to materialize loop knobs, group will run without them")
		} else {
			baseKnobs = baseKnobs.CopyingUnion(loopKnobs)
		}
	}

	versions := map[string]*codeversion.CodeVersion{
		codeversion.OriginalLibName: codeversion.NewOriginal(baseKnobs),
	}
	tn := tuner.New(cfg.TunerParams, baseKnobs, versions, cfg.Seed)
	cm := compiler.NewCompilationManager(cfg.Pool, cfg.Pipeline)

	g := &ClientGroup{
		ID:              id,
		log:             cfg.Log.With().Str("group", id).Logger(),
		actions:         make(chan func(), 64),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		serviceInterval: cfg.ServiceInterval,
		clients:         make(map[profiler.ClientID]*clientConn),
		graph:           graph,
		cri:             cri,
		prof:            prof,
		versions:        versions,
		tuner:           tn,
		bitcode:         enroll.Module.Bitcode,
	}

	currentQuality := prof.CurrentIPC
	if cfg.Metric == MetricCalls {
		currentQuality = prof.CurrentCallFreq
	}

	g.section = section.New(cfg.SectionParams, tn, cm, versions, g.bitcode, section.Callbacks{
		Deploy:            g.broadcastDeploy,
		Redirect:          g.broadcastDeploy,
		SetSamplingPeriod: g.broadcastSamplingPeriod,
		CurrentIPC:        currentQuality,
		SamplesConsumed:   func() uint64 { return prof.SamplesConsumed },
	}, g.log, cfg.Metrics, id)
	return g
}

// Start launches the group's single actor goroutine. Idempotent.
func (g *ClientGroup) Start() {
	if !g.active.CompareAndSwap(false, true) {
		return
	}
	go g.loop()
}

// RequestStop satisfies emergency.Group: it asks the actor loop to exit
// on its next iteration without requeueing, per spec.md §5.
func (g *ClientGroup) RequestStop() {
	g.stopped.Do(func() { close(g.quit) })
}

// ServiceLoopActive satisfies emergency.Group.
func (g *ClientGroup) ServiceLoopActive() bool { return g.active.Load() }

// Done is closed once the actor loop has fully exited.
func (g *ClientGroup) Done() <-chan struct{} { return g.done }

func (g *ClientGroup) loop() {
	defer close(g.done)
	defer g.active.Store(false)

	ticker := time.NewTicker(g.serviceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.quit:
			return
		case fn := <-g.actions:
			fn()
		case <-ticker.C:
			g.tick()
		}
	}
}

// submit enqueues fn onto the actor queue, run serially with every other
// action and every scheduled tick. Blocks if the queue is full, but never
// blocks past RequestStop.
func (g *ClientGroup) submit(fn func()) {
	select {
	case g.actions <- fn:
	case <-g.quit:
	}
}

// maxLoopCount picks the per-group loop count N used to materialize
// loop{i}-{name} knobs: the most loops any one enrolled function
// reports, so every function's loop knobs fit within [0,N).
func maxLoopCount(funcs []wire.FuncDesc) int {
	n := 0
	for _, f := range funcs {
		if f.LoopCount > n {
			n = f.LoopCount
		}
	}
	return n
}

func (g *ClientGroup) tick() {
	if hot, ok := g.prof.HottestNode(); ok {
		if root, ok := g.prof.FindSuitableTuningRoot(hot); ok {
			g.tuningRoot = root
			g.section.SetTuningRoot(root)
		}
	}
	g.section.Tick()
}

// AddClient registers a newly-accepted, already-enrolled connection and
// returns its assigned ClientID. The caller is responsible for then
// running a read loop against conn (see Registrar).
func (g *ClientGroup) AddClient(conn net.Conn) profiler.ClientID {
	assigned := make(chan profiler.ClientID, 1)
	g.submit(func() {
		id := g.nextClientID
		g.nextClientID++
		g.clients[id] = newClientConn(id, conn)
		assigned <- id
		// catch up a reconnecting/late client to whatever is currently
		// deployed, without waiting for the next scheduled tick.
		g.broadcastDeploy(g.section.BestLib())
	})
	return <-assigned
}

// RemoveClient drops a disconnected client from the broadcast set.
func (g *ClientGroup) RemoveClient(id profiler.ClientID) {
	g.submit(func() { delete(g.clients, id) })
}

// ConsumeRawSample hands one client's raw sample to the Profiler, on the
// actor goroutine.
func (g *ClientGroup) ConsumeRawSample(id profiler.ClientID, s wire.RawSample) {
	g.submit(func() {
		g.prof.ConsumePerfData([]profiler.ClientSample{{Client: id, Samples: []wire.RawSample{s}}})
	})
}

// ConsumeCallCountData records a call-count report for diagnostics. The
// wire protocol's CallCountData reports per-function counts, not edges,
// so it cannot directly populate the static CallGraph (which is built
// once from the enrollment's function list); it is logged for now as the
// demand-side complement to the static call graph.
func (g *ClientGroup) ConsumeCallCountData(id profiler.ClientID, c wire.CallCountData) {
	g.submit(func() {
		g.log.Debug().Uint64("client", uint64(id)).Int("functions", len(c.FunctionCounts)).Msg("call-count report")
	})
}

func (g *ClientGroup) broadcastDeploy(libName string) {
	if g.tuningRoot == "" {
		return // no suitable tuning root identified yet
	}
	if libName == codeversion.OriginalLibName {
		g.broadcastAll(wire.KindModifyFunction, wire.ModifyFunction{
			Name:         g.tuningRoot,
			DesiredState: wire.StateOriginal,
		})
		return
	}
	cv, ok := g.versions[libName]
	if !ok {
		return
	}
	if cv.Broken {
		g.log.Warn().Str("lib", libName).Msg("refusing to deploy or redirect to a broken lib")
		return
	}
	g.broadcastAll(wire.KindLoadDyLib, wire.LoadDyLib{Name: libName, ObjFile: cv.ObjFile})
	g.broadcastAll(wire.KindModifyFunction, wire.ModifyFunction{
		Name:         g.tuningRoot,
		DesiredState: wire.StateRedirected,
		OtherLib:     libName,
		OtherName:    g.tuningRoot,
	})
}

func (g *ClientGroup) broadcastSamplingPeriod(period uint64) {
	g.broadcastAll(wire.KindSetSamplingPeriod, wire.SetSamplingPeriod{Period: period})
}

func (g *ClientGroup) broadcastAll(kind wire.Kind, payload interface{}) {
	for id, c := range g.clients {
		if err := c.send(kind, payload); err != nil {
			g.log.Warn().Str("client", fmt.Sprint(id)).Err(err).Msg("send failed, dropping client")
			delete(g.clients, id)
		}
	}
}

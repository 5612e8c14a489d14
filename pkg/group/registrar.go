package group

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"

	"github.com/jihwankim/haloserver/pkg/emergency"
	"github.com/jihwankim/haloserver/pkg/profiler"
	"github.com/jihwankim/haloserver/pkg/wire"
	"github.com/rs/zerolog"
)

// fingerprint identifies which ClientGroup a connecting client belongs
// to: every client running the same binary on the same host CPU variant
// shares one group and one deployed library, per spec.md §5. The key is
// the process triple, the host CPU and the SHA-1 of the module bitcode.
func fingerprint(e wire.ClientEnroll) string {
	return fmt.Sprintf("%s|%s|%x", e.ProcessTriple, e.HostCPU, sha1.Sum(e.Module.Bitcode))
}

// Registrar accepts enrolling connections and routes each to its
// ClientGroup, creating a new group the first time a fingerprint is
// seen (an enrollment mismatch against every existing group).
type Registrar struct {
	mu         sync.Mutex
	groups     map[string]*ClientGroup
	controller *emergency.Controller
	newConfig  func() Config
	newID      func() string
	log        zerolog.Logger
}

// NewRegistrar builds a Registrar. newConfig is called once per new
// group to get a config built from the server's current settings (the
// same Pool and Pipeline may be shared across every group's Config).
// newID mints a fresh group id (e.g. uuid.NewString).
func NewRegistrar(controller *emergency.Controller, newConfig func() Config, newID func() string, log zerolog.Logger) *Registrar {
	return &Registrar{
		groups:     make(map[string]*ClientGroup),
		controller: controller,
		newConfig:  newConfig,
		newID:      newID,
		log:        log,
	}
}

// HandleConn reads the connecting client's enrollment message, routes it
// to (or creates) the matching ClientGroup, and starts that connection's
// read loop. Blocks for the lifetime of the connection.
func (r *Registrar) HandleConn(conn net.Conn) error {
	defer conn.Close()

	br := bufio.NewReader(conn)
	msg, err := wire.ReadMessage(br)
	if err != nil {
		return fmt.Errorf("group: read enrollment: %w", err)
	}
	if msg.Kind != wire.KindClientEnroll {
		return fmt.Errorf("group: expected ClientEnroll, got %v", msg.Kind)
	}
	var enroll wire.ClientEnroll
	if err := wire.DecodePayload(msg, &enroll); err != nil {
		return fmt.Errorf("group: decode enrollment: %w", err)
	}

	g := r.groupFor(enroll)
	id := g.AddClient(conn)
	defer g.RemoveClient(id)

	return r.readLoop(g, id, br)
}

func (r *Registrar) groupFor(enroll wire.ClientEnroll) *ClientGroup {
	fp := fingerprint(enroll)

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[fp]; ok {
		return g
	}
	g := New(r.newID(), enroll, r.newConfig())
	r.groups[fp] = g
	g.Start()
	r.controller.RegisterGroup(g.ID, g)
	r.log.Info().Str("group", g.ID).Str("fingerprint", fp).Msg("new client group")
	return g
}

// readLoop decodes every framed message a client sends after enrollment
// and hands data-bearing kinds to the group's actor queue. Returns once
// the connection errors out (including a clean close).
func (r *Registrar) readLoop(g *ClientGroup, id profiler.ClientID, br *bufio.Reader) error {
	for {
		msg, err := wire.ReadMessage(br)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case wire.KindRawSample:
			var s wire.RawSample
			if err := wire.DecodePayload(msg, &s); err != nil {
				continue
			}
			g.ConsumeRawSample(id, s)
		case wire.KindCallCountData:
			var c wire.CallCountData
			if err := wire.DecodePayload(msg, &c); err != nil {
				continue
			}
			g.ConsumeCallCountData(id, c)
		default:
			// DyLibInfo, ClientEnroll (re-sent), and anything else this
			// server doesn't currently act on.
		}
	}
}

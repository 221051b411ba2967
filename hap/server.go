// Package hap is the root package: Server, Session/SessionSupervisor, the
// HTTP dispatcher for every HAP endpoint, and server bootstrap. It wires
// together recordlayer, tlv8, pairsetup, pairverify, pairing, accessory, and
// mdns into the running accessory process spec.md §2 describes.
package hap

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvsouth/hap-go/accessory"
	"github.com/cvsouth/hap-go/mdns"
	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/pairsetup"
)

// connDeadline bounds how long a session may sit idle on a blocking socket
// read — the per-task suspension point spec.md §5 assumes.
const connDeadline = 10 * time.Second

// Config is the single configuration struct passed to New, matching
// spec.md §6's "init(config)" surface. No environment-variable or flag
// parsing lives here — cmd/hap-demo is the only place that touches
// os.Args/flags, the way cmd/tor-client/main.go keeps process wiring in
// main and delegates everything else to library packages.
type Config struct {
	Accessories       []*accessory.Accessory
	Store             pairing.Store
	Publisher         mdns.Publisher
	Addr              string
	SetupCode         string
	SetupCodeCallback func(string)
	ResourceHandler   func([]byte) ([]byte, error)
	Category          mdns.Category
	ConfigNumber      uint64
	AllowReset        bool
	Logger            *slog.Logger
}

// Server is the process-wide singleton of spec.md §3: it owns the
// accessory tree, the accessory identity, and the set of live sessions.
// It holds at most one in-flight PairSetup at a time via pairSetupToken.
type Server struct {
	cfg    Config
	logger *slog.Logger

	identity pairsetup.Identity

	mu             sync.Mutex
	sessions       map[uint64]*Session
	pairSetupToken *Session

	nextSessionID uint64
	ln            net.Listener
}

// New constructs a Server, validating the accessory tree and bootstrapping
// (or loading) the accessory's persistent identity. It does not start
// listening; call ListenAndServe for that.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("hap: Config.Store is required")
	}
	if err := accessory.Validate(cfg.Accessories); err != nil {
		return nil, fmt.Errorf("hap: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[uint64]*Session),
	}

	if err := srv.bootstrapIdentity(); err != nil {
		return nil, fmt.Errorf("hap: bootstrap identity: %w", err)
	}

	for _, acc := range cfg.Accessories {
		for _, svc := range acc.Services {
			for _, c := range svc.Characteristics {
				c.SetNotifier(srv)
			}
		}
	}

	return srv, nil
}

// bootstrapIdentity loads the accessory's persisted identity, or — on
// first boot — generates a fresh 17-char "XX:XX:XX:XX:XX:XX" accessory ID
// and Ed25519 keypair and persists it, per spec.md §3's ACCESSORY IDENTITY
// entity. It never rotates an existing identity except on full reset.
func (srv *Server) bootstrapIdentity() error {
	idStore, ok := srv.cfg.Store.(pairing.IdentityStore)
	if !ok {
		return fmt.Errorf("hap: Config.Store must implement pairing.IdentityStore")
	}

	accessoryID, key, found, err := idStore.LoadIdentity()
	if err != nil {
		return err
	}
	if found {
		srv.identity = pairsetup.Identity{AccessoryID: accessoryID, LongTermKey: key}
		return nil
	}

	newID, err := randomAccessoryID()
	if err != nil {
		return err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := idStore.SaveIdentity(newID, priv); err != nil {
		return err
	}
	srv.logger.Info("generated new accessory identity", "accessory_id", newID)
	srv.identity = pairsetup.Identity{AccessoryID: newID, LongTermKey: priv}
	return nil
}

func randomAccessoryID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}

// Paired is the pure boolean spec.md §9's Open Questions resolve "paired"
// to: recomputed from the store every call, instead of a cached flag that
// would conflate the first-pairing transition with re-pairing.
func (srv *Server) Paired() (bool, error) {
	return pairing.Paired(srv.cfg.Store)
}

// ListenAndServe accepts connections on Config.Addr, one goroutine per
// connection — the natural Go rendering of "one lightweight task per
// session" spec.md §5 describes, grounded directly on socks.Server's
// accept loop (Serve/ListenAndServe split, goroutine-per-conn, no
// semaphore cap here since HAP's own session limits are enforced at the
// pairing layer rather than the transport layer).
func (srv *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", srv.cfg.Addr)
	if err != nil {
		return fmt.Errorf("hap: listen: %w", err)
	}
	return srv.Serve(ln)
}

// Serve accepts connections on a caller-supplied listener, the same
// Serve/ListenAndServe split socks.Server offers so callers can bind the
// port themselves and learn the exact address before serving begins.
func (srv *Server) Serve(ln net.Listener) error {
	srv.ln = ln
	srv.logger.Info("HAP server listening", "addr", ln.Addr().String())
	srv.advertise()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("hap: accept: %w", err)
		}
		go srv.handleConn(conn)
	}
}

// Close stops accepting new connections and withdraws the mDNS advertisement.
func (srv *Server) Close() error {
	if srv.cfg.Publisher != nil {
		if err := srv.cfg.Publisher.Unpublish(); err != nil {
			srv.logger.Warn("mDNS unpublish failed", "error", err)
		}
	}
	if srv.ln != nil {
		return srv.ln.Close()
	}
	return nil
}

// advertise assembles the current TXT-record snapshot (spec.md §6) and hands
// it to the configured mDNS collaborator. Called once at Serve startup and
// again whenever the accessory's paired state may have flipped, since that
// changes the "sf" status flag.
func (srv *Server) advertise() {
	if srv.cfg.Publisher == nil {
		return
	}
	paired, err := srv.Paired()
	if err != nil {
		srv.logger.Warn("advertise: check paired state", "error", err)
		return
	}
	txt, err := mdns.BuildTXTRecord(srv.identity.AccessoryID, srv.cfg.ConfigNumber, srv.cfg.Category, paired)
	if err != nil {
		srv.logger.Warn("advertise: build TXT record", "error", err)
		return
	}
	if err := srv.cfg.Publisher.Publish(srv.serviceName(), srv.listenPort(), txt); err != nil {
		srv.logger.Warn("advertise: publish failed", "error", err)
	}
}

// serviceName reads the first accessory's Name characteristic for the
// advertised service name, falling back to a generic default.
func (srv *Server) serviceName() string {
	for _, acc := range srv.cfg.Accessories {
		for _, svc := range acc.Services {
			if svc.Type != accessory.TypeAccessoryInformation {
				continue
			}
			for _, c := range svc.Characteristics {
				if c.Type != accessory.TypeName {
					continue
				}
				if v, st := c.Get(); st == accessory.StatusSuccess {
					if name, ok := v.(string); ok && name != "" {
						return name
					}
				}
			}
		}
	}
	return "HAP-Go"
}

func (srv *Server) listenPort() uint16 {
	if srv.ln == nil {
		return 0
	}
	if tcpAddr, ok := srv.ln.Addr().(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}
	return 0
}

func (srv *Server) addSession(s *Session) {
	srv.mu.Lock()
	srv.sessions[s.ID] = s
	srv.mu.Unlock()
}

func (srv *Server) removeSession(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s.ID)
	if srv.pairSetupToken == s {
		srv.pairSetupToken = nil
	}
	srv.mu.Unlock()
}

// acquirePairSetupToken implements the single mutual-exclusion resource of
// spec.md §9: attempts to acquire it while already held are rejected
// rather than queued, the same check-then-act-under-one-mutex shape as
// circuit.Circuit.SendRelayEarly's budget check.
func (srv *Server) acquirePairSetupToken(s *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.pairSetupToken != nil && srv.pairSetupToken != s {
		return false
	}
	srv.pairSetupToken = s
	return true
}

func (srv *Server) releasePairSetupToken(s *Session) {
	srv.mu.Lock()
	if srv.pairSetupToken == s {
		srv.pairSetupToken = nil
	}
	srv.mu.Unlock()
}

// disconnectByDeviceID implements RemovePairing's force-disconnect of
// every live session bound to the removed pairing (spec.md §8 scenario
// S6). The caller must read the pairing's device id before removing it
// from the store — see DESIGN.md's Open Question resolution.
func (srv *Server) disconnectByDeviceID(deviceID string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, s := range srv.sessions {
		if id, _ := s.Identity(); id == deviceID {
			s.Disconnect()
		}
	}
}

// NotifyChange implements accessory.Notifier: it is called once per
// mutation with every subscribed session's ID, and enqueues an event on
// each live one. A full queue silently drops the new event — spec.md §5
// explicitly tolerates missed events since HomeKit re-reads on next
// interaction.
func (srv *Server) NotifyChange(aid, iid uint64, value interface{}, subscriberIDs []uint64) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, id := range subscriberIDs {
		s, ok := srv.sessions[id]
		if !ok {
			continue
		}
		select {
		case s.events <- event{aid: aid, iid: iid, value: value}:
		default:
			srv.logger.Warn("event queue full, dropping event", "session", id, "aid", aid, "iid", iid)
		}
	}
}

func (srv *Server) handleConn(raw net.Conn) {
	_ = raw.SetDeadline(time.Now().Add(connDeadline))
	conn := newSessionConn(raw)

	id := atomic.AddUint64(&srv.nextSessionID, 1)
	sess := newSession(id, conn)
	srv.addSession(sess)
	srv.logger.Info("session accepted", "session_id", id, "remote", raw.RemoteAddr())

	defer func() {
		srv.removeSession(sess)
		sess.teardown()
		srv.logger.Info("session closed", "session_id", id)
	}()

	reader := bufio.NewReader(conn)
	for {
		if sess.shouldDisconnect() {
			return
		}
		_ = raw.SetDeadline(time.Now().Add(connDeadline))

		resp, closeAfter := srv.handleRequest(sess, reader)
		if resp == nil {
			return
		}
		if err := writeResponse(conn, resp); err != nil {
			return
		}
		// Only now, with the reply already on the wire, may the
		// connection switch to the record layer a just-completed
		// Pair-Verify derived — the reply itself must reach the
		// controller in plaintext.
		sess.activatePendingEncryption()
		if err := srv.flushEvents(sess, conn); err != nil {
			return
		}
		if closeAfter || sess.shouldDisconnect() {
			return
		}
	}
}

func (srv *Server) flushEvents(sess *Session, w *sessionConn) error {
	for _, e := range sess.drainEvents() {
		if err := writeEvent(w, e); err != nil {
			return err
		}
	}
	return nil
}

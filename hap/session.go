package hap

import (
	"sync"
	"sync/atomic"

	"github.com/cvsouth/hap-go/accessory"
	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/pairsetup"
	"github.com/cvsouth/hap-go/pairverify"
	"github.com/cvsouth/hap-go/recordlayer"
)

// eventQueueCapacity is the bounded event queue size spec.md §5 mandates;
// beyond it new events are dropped rather than blocking the notifier.
const eventQueueCapacity = 20

// event is one pending characteristic-change notification awaiting
// delivery as an EVENT/1.0 frame.
type event struct {
	aid, iid uint64
	value    interface{}
}

// Session is one TCP connection's worth of state: its record-layer
// connection, pairing/verify progress, bound identity, and bounded
// outbound event queue. Characteristics hold only its small integer ID for
// subscriptions, never a pointer, so teardown can never leave a dangling
// back-reference — the weak-reference scheme spec.md §9 mandates in place
// of the reference implementation's raw session back-pointers.
type Session struct {
	ID   uint64
	conn *sessionConn

	mu          sync.Mutex
	encrypted   bool
	deviceID    string
	permissions pairing.Permissions
	subs        []*accessory.Characteristic

	PairSetup  *pairsetup.Machine
	PairVerify *pairverify.Machine

	// pendingLayer is a record-layer derived by Pair-Verify M3 but not yet
	// armed on the connection: spec.md §4.4 requires the {State=4} reply
	// itself to go out in plaintext with both record-layer counters still
	// at zero, so encryption only takes effect once that reply is on the
	// wire. handleConn calls activatePendingEncryption after the write.
	pendingLayer *recordlayer.Layer

	events     chan event
	disconnect atomic.Bool
}

func newSession(id uint64, conn *sessionConn) *Session {
	return &Session{
		ID:     id,
		conn:   conn,
		events: make(chan event, eventQueueCapacity),
	}
}

// Encrypted reports whether Pair-Verify has completed on this session.
func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted
}

// Identity returns the bound pairing identifier and permissions, valid
// only once Encrypted() is true.
func (s *Session) Identity() (deviceID string, perms pairing.Permissions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.permissions
}

// bindVerified records the verified identity and stashes the derived
// record-layer for later activation. It deliberately does not touch the
// connection: the caller must write the {State=4} reply in plaintext
// first, then call activatePendingEncryption.
func (s *Session) bindVerified(deviceID string, perms pairing.Permissions, layer *recordlayer.Layer) {
	s.mu.Lock()
	s.deviceID = deviceID
	s.permissions = perms
	s.pendingLayer = layer
	s.mu.Unlock()
}

// activatePendingEncryption arms the record-layer stashed by bindVerified,
// if any, and marks the session encrypted. Called once the Pair-Verify M4
// response has been flushed to the wire in plaintext.
func (s *Session) activatePendingEncryption() {
	s.mu.Lock()
	layer := s.pendingLayer
	s.pendingLayer = nil
	if layer != nil {
		s.encrypted = true
	}
	s.mu.Unlock()
	if layer != nil {
		s.conn.enableEncryption(layer)
	}
}

// trackSubscription records that this session subscribed to c, so
// teardown can unsubscribe it without walking the whole accessory tree.
func (s *Session) trackSubscription(c *accessory.Characteristic) {
	s.mu.Lock()
	s.subs = append(s.subs, c)
	s.mu.Unlock()
}

func (s *Session) untrackSubscription(c *accessory.Characteristic) {
	s.mu.Lock()
	for i, sub := range s.subs {
		if sub == c {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// teardown unsubscribes this session from every characteristic it ever
// subscribed to, matching spec.md §3's "on destruction it removes itself
// from every characteristic it subscribed to".
func (s *Session) teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, c := range subs {
		c.Unsubscribe(s.ID)
	}
	_ = s.conn.Close()
}

// Disconnect marks the session for teardown on its next loop iteration —
// the RemovePairing force-disconnect path of spec.md §4.5 / §8 scenario S6.
func (s *Session) Disconnect() { s.disconnect.Store(true) }

func (s *Session) shouldDisconnect() bool { return s.disconnect.Load() }

// drainEvents returns every event queued since the last drain, without
// blocking — the "non-blocking poll with 0 timeout" suspension point of
// spec.md §5.
func (s *Session) drainEvents() []event {
	var out []event
	for {
		select {
		case e := <-s.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

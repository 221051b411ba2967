package hap

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvsouth/hap-go/accessory"
	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/tlv8"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newInfoAccessory(aid uint64) *accessory.Accessory {
	info := &accessory.Service{
		IID:  1,
		Type: accessory.TypeAccessoryInformation,
		Characteristics: []*accessory.Characteristic{
			accessory.NewCharacteristic(2, accessory.TypeIdentify, accessory.FormatBool,
				accessory.PermissionPairedWrite, accessory.StaticValue(false), accessory.Constraints{}),
			accessory.NewCharacteristic(3, accessory.TypeName, accessory.FormatString,
				accessory.PermissionPairedRead, accessory.StaticValue("Test Accessory"), accessory.Constraints{}),
		},
	}
	return &accessory.Accessory{AID: aid, Services: []*accessory.Service{info}}
}

func newTestServer(t *testing.T, extra ...*accessory.Characteristic) (*Server, *pairing.FileStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := pairing.NewFileStore(filepath.Join(dir, "pairings.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	accs := []*accessory.Accessory{newInfoAccessory(1)}
	if len(extra) > 0 {
		svc := &accessory.Service{IID: 10, Type: "test-service", Characteristics: extra}
		accs[0].Services = append(accs[0].Services, svc)
	}

	srv, err := New(Config{
		Accessories: accs,
		Store:       store,
		Addr:        "127.0.0.1:0",
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, store
}

// adminSession returns a Session already bound as an authenticated admin
// controller, bypassing the real Pair-Verify handshake — the endpoint
// handlers only consult Session.encrypted/deviceID/permissions, which this
// sets directly since the test lives in package hap.
func adminSession(srv *Server, id uint64, deviceID string) *Session {
	sess := newSession(id, newSessionConn(nil))
	sess.encrypted = true
	sess.deviceID = deviceID
	sess.permissions = pairing.PermissionAdmin
	srv.addSession(sess)
	return sess
}

func TestGetAccessoriesReturnsFullModel(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := adminSession(srv, 1, "AA:BB")

	resp := srv.handleGetAccessories(sess)
	if resp.status != 200 && resp.status != 0 {
		t.Fatalf("unexpected status %d", resp.status)
	}
	if len(resp.body) == 0 {
		t.Fatalf("expected non-empty accessories body")
	}
}

// TestCharacteristicBatchReadMixedPermissions reproduces scenario S4: a
// batch GET mixing a readable and a write-only characteristic returns 207
// with per-entry status codes.
func TestCharacteristicBatchReadMixedPermissions(t *testing.T) {
	readable := accessory.NewCharacteristic(20, "readable", accessory.FormatBool,
		accessory.PermissionPairedRead, accessory.StaticValue(true), accessory.Constraints{})
	writeOnly := accessory.NewCharacteristic(21, "write-only", accessory.FormatBool,
		accessory.PermissionPairedWrite, accessory.StaticValue(false), accessory.Constraints{})

	srv, _ := newTestServer(t, readable, writeOnly)
	sess := adminSession(srv, 1, "AA:BB")

	req := httptest.NewRequest("GET", "/characteristics?id=1.20,1.21", nil)
	resp := srv.handleGetCharacteristics(sess, req)

	if resp.status != 207 {
		t.Fatalf("expected 207 Multi-Status, got %d", resp.status)
	}
	var parsed struct {
		Characteristics []readResultJSON `json:"characteristics"`
	}
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(parsed.Characteristics) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Characteristics))
	}
	if parsed.Characteristics[0].Status == nil || *parsed.Characteristics[0].Status != int(accessory.StatusSuccess) {
		t.Fatalf("expected first entry to carry status Success, got %v", parsed.Characteristics[0].Status)
	}
	if parsed.Characteristics[1].Status == nil || *parsed.Characteristics[1].Status != int(accessory.StatusWriteOnly) {
		t.Fatalf("expected second entry WriteOnly, got %v", parsed.Characteristics[1].Status)
	}
}

// TestEventDeliveryToSubscriber reproduces scenario S5: a subscribed
// session receives exactly one queued event when the characteristic's
// value changes.
func TestEventDeliveryToSubscriber(t *testing.T) {
	notifyChar := accessory.NewCharacteristic(30, "notifiable", accessory.FormatInt,
		accessory.PermissionPairedRead|accessory.PermissionPairedWrite|accessory.PermissionNotify,
		accessory.StaticValue(float64(0)), accessory.Constraints{})

	srv, _ := newTestServer(t, notifyChar)
	sess := adminSession(srv, 1, "AA:BB")

	body := []byte(`{"characteristics":[{"aid":1,"iid":30,"value":null,"ev":true}]}`)
	resp := srv.handlePutCharacteristics(sess, body)
	if resp.status != 204 && resp.status != 0 {
		t.Fatalf("expected 204 from subscribe-only write, got %d", resp.status)
	}

	notifyChar.PushValue(1, float64(42))

	events := sess.drainEvents()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].aid != 1 || events[0].iid != 30 {
		t.Fatalf("unexpected event target: %+v", events[0])
	}
	payload, err := marshalEventBody(events[0])
	if err != nil {
		t.Fatalf("marshalEventBody: %v", err)
	}
	want := `{"characteristics":[{"aid":1,"iid":30,"value":42}]}`
	if string(payload) != want {
		t.Fatalf("event body = %s, want %s", payload, want)
	}
}

// TestRemovePairingDisconnectsBoundSessions reproduces scenario S6.
func TestRemovePairingDisconnectsBoundSessions(t *testing.T) {
	srv, store := newTestServer(t)
	devicePub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := store.Add(pairing.Pairing{DeviceID: "victim", PublicKey: devicePub, Permissions: pairing.PermissionAdmin}); err != nil {
		t.Fatalf("seed pairing: %v", err)
	}

	admin := adminSession(srv, 1, "admin-device")
	victim := newSession(2, newSessionConn(nil))
	victim.encrypted = true
	victim.deviceID = "victim"
	srv.addSession(victim)

	req := buildRemovePairingTLV(t, "victim")
	resp := srv.handlePairings(admin, req)
	if resp.status != 200 {
		t.Fatalf("unexpected status %d", resp.status)
	}
	if !victim.shouldDisconnect() {
		t.Fatalf("expected victim session marked for disconnect")
	}
	if _, err := store.Find("victim"); err != pairing.ErrNotFound {
		t.Fatalf("expected pairing removed, got err=%v", err)
	}
}

func buildRemovePairingTLV(t *testing.T, deviceID string) []byte {
	t.Helper()
	c := tlv8.Container{}
	c.AddByte(tlv8.State, 1)
	c.AddByte(tlv8.Method, methodRemovePairing)
	c.Add(tlv8.Identifier, []byte(deviceID))
	return tlv8.Encode(c)
}

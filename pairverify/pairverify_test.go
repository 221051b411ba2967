package pairverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"testing"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/tlv8"
)

type memStore struct {
	pairings map[string]pairing.Pairing
}

func (s *memStore) CanAdd() (bool, error)                    { return true, nil }
func (s *memStore) Add(p pairing.Pairing) error              { s.pairings[p.DeviceID] = p; return nil }
func (s *memStore) Update(string, pairing.Permissions) error { return nil }
func (s *memStore) Remove(id string) error                   { delete(s.pairings, id); return nil }
func (s *memStore) Find(id string) (pairing.Pairing, error) {
	p, ok := s.pairings[id]
	if !ok {
		return pairing.Pairing{}, pairing.ErrNotFound
	}
	return p, nil
}
func (s *memStore) All() ([]pairing.Pairing, error) { return nil, nil }
func (s *memStore) Count() (int, error)             { return len(s.pairings), nil }

// TestFullPairVerifyFlowMatchesScenarioS2 reproduces spec scenario S2: a
// fresh ephemeral Curve25519 exchange whose V2 EncryptedData decrypts to
// TLV{Identifier=accessory_id, Signature=Ed25519(accessoryLTSK, Y||accessory_id||X)}.
func TestFullPairVerifyFlowMatchesScenarioS2(t *testing.T) {
	accessoryPub, accessoryPriv, _ := ed25519.GenerateKey(rand.Reader)
	devicePub, devicePriv, _ := ed25519.GenerateKey(rand.Reader)

	store := &memStore{pairings: map[string]pairing.Pairing{
		"AA:BB:CC:DD:EE:FF": {DeviceID: "AA:BB:CC:DD:EE:FF", PublicKey: devicePub, Permissions: pairing.PermissionAdmin},
	}}

	identity := Identity{AccessoryID: "11:22:33:44:55:66", LongTermKey: accessoryPriv}
	m := New(identity, store, nil)
	defer m.Close()

	var iosPriv [32]byte
	rand.Read(iosPriv[:])
	iosPubBytes, _ := curve25519.X25519(iosPriv[:], curve25519.Basepoint)

	v1 := tlv8.Container{}
	v1.AddByte(tlv8.State, 1)
	v1.Add(tlv8.PublicKey, iosPubBytes)

	v2, err := m.HandleV1(v1)
	if err != nil {
		t.Fatal(err)
	}
	accessoryPubBytes, _ := v2.Get(tlv8.PublicKey)
	encryptedV2, _ := v2.Get(tlv8.EncryptedData)

	sharedSecret, err := curve25519.X25519(iosPriv[:], accessoryPubBytes)
	if err != nil {
		t.Fatal(err)
	}
	sessionKey := make([]byte, 32)
	r := hkdf.New(sha512.New, sharedSecret, []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	io.ReadFull(r, sessionKey)

	plaintext, err := openWithLabel(sessionKey, "PV-Msg02", encryptedV2)
	if err != nil {
		t.Fatalf("V2 decrypt failed: %v", err)
	}
	inner, err := tlv8.Decode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	accID, _ := inner.Get(tlv8.Identifier)
	accSig, _ := inner.Get(tlv8.Signature)
	if string(accID) != identity.AccessoryID {
		t.Fatalf("accessory id mismatch: %q", accID)
	}
	accessoryInfo := append(append(append([]byte{}, accessoryPubBytes...), accID...), iosPubBytes...)
	if !ed25519.Verify(accessoryPub, accessoryInfo, accSig) {
		t.Fatal("V2 signature verification failed")
	}

	// Client builds V3.
	deviceID := []byte("AA:BB:CC:DD:EE:FF")
	signed := append(append(append([]byte{}, iosPubBytes...), deviceID...), accessoryPubBytes...)
	deviceSig := ed25519.Sign(devicePriv, signed)

	v3Inner := tlv8.Container{}
	v3Inner.Add(tlv8.Identifier, deviceID)
	v3Inner.Add(tlv8.Signature, deviceSig)
	encryptedV3, err := sealWithLabel(sessionKey, "PV-Msg03", tlv8.Encode(v3Inner))
	if err != nil {
		t.Fatal(err)
	}

	v3 := tlv8.Container{}
	v3.AddByte(tlv8.State, 3)
	v3.Add(tlv8.EncryptedData, encryptedV3)

	v4, result, err := m.HandleV3(v3)
	if err != nil {
		t.Fatal(err)
	}
	if _, isErr := v4.Get(tlv8.Error); isErr {
		t.Fatalf("V3 rejected: %v", v4)
	}
	if result == nil || result.DeviceID != string(deviceID) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.SharedSecret) == 0 {
		t.Fatal("expected non-empty shared secret")
	}
}

func TestV3UnknownPairingReturnsAuthenticationError(t *testing.T) {
	_, accessoryPriv, _ := ed25519.GenerateKey(rand.Reader)
	store := &memStore{pairings: map[string]pairing.Pairing{}}

	identity := Identity{AccessoryID: "11:22:33:44:55:66", LongTermKey: accessoryPriv}
	m := New(identity, store, nil)
	defer m.Close()

	var iosPriv [32]byte
	rand.Read(iosPriv[:])
	iosPubBytes, _ := curve25519.X25519(iosPriv[:], curve25519.Basepoint)

	v1 := tlv8.Container{}
	v1.AddByte(tlv8.State, 1)
	v1.Add(tlv8.PublicKey, iosPubBytes)
	v2, err := m.HandleV1(v1)
	if err != nil {
		t.Fatal(err)
	}
	accessoryPubBytes, _ := v2.Get(tlv8.PublicKey)

	sharedSecret, _ := curve25519.X25519(iosPriv[:], accessoryPubBytes)
	sessionKey := make([]byte, 32)
	r := hkdf.New(sha512.New, sharedSecret, []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	io.ReadFull(r, sessionKey)

	v3Inner := tlv8.Container{}
	v3Inner.Add(tlv8.Identifier, []byte("unknown-device"))
	v3Inner.Add(tlv8.Signature, make([]byte, 64))
	encryptedV3, _ := sealWithLabel(sessionKey, "PV-Msg03", tlv8.Encode(v3Inner))

	v3 := tlv8.Container{}
	v3.AddByte(tlv8.State, 3)
	v3.Add(tlv8.EncryptedData, encryptedV3)

	v4, result, err := m.HandleV3(v3)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Fatal("expected nil result on unknown pairing")
	}
	code, ok := v4.Get(tlv8.Error)
	if !ok || tlv8.ErrorCode(code[0]) != tlv8.ErrorAuthentication {
		t.Fatalf("expected TLVError_Authentication, got %v", v4)
	}
}

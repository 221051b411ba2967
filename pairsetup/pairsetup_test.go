package pairsetup

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"math/big"
	"testing"

	"golang.org/x/crypto/hkdf"

	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/tlv8"
)

// memStore is a minimal in-memory pairing.Store test double, the same
// role directory/cache_test.go's temp-dir round trips play for Cache.
type memStore struct {
	pairings map[string]pairing.Pairing
}

func newMemStore() *memStore { return &memStore{pairings: map[string]pairing.Pairing{}} }

func (s *memStore) CanAdd() (bool, error) { return len(s.pairings) < 16, nil }
func (s *memStore) Add(p pairing.Pairing) error {
	if existing, ok := s.pairings[p.DeviceID]; ok {
		if !existing.PublicKey.Equal(p.PublicKey) {
			return pairing.ErrIdentifierConflict
		}
		return nil
	}
	s.pairings[p.DeviceID] = p
	return nil
}
func (s *memStore) Update(id string, perm pairing.Permissions) error {
	p, ok := s.pairings[id]
	if !ok {
		return pairing.ErrNotFound
	}
	p.Permissions = perm
	s.pairings[id] = p
	return nil
}
func (s *memStore) Remove(id string) error {
	if _, ok := s.pairings[id]; !ok {
		return pairing.ErrNotFound
	}
	delete(s.pairings, id)
	return nil
}
func (s *memStore) Find(id string) (pairing.Pairing, error) {
	p, ok := s.pairings[id]
	if !ok {
		return pairing.Pairing{}, pairing.ErrNotFound
	}
	return p, nil
}
func (s *memStore) All() ([]pairing.Pairing, error) {
	out := make([]pairing.Pairing, 0, len(s.pairings))
	for _, p := range s.pairings {
		out = append(out, p)
	}
	return out, nil
}
func (s *memStore) Count() (int, error) { return len(s.pairings), nil }

// clientSRP performs the client side of SRP-6a using the package's own
// internal test helper conventions (mirrors srp_test.go's simulateClient,
// duplicated here since SRP internals are unexported).
func clientSRP(identity, password string, salt, B []byte) (A, m1, premaster []byte) {
	a, _ := rand.Int(rand.Reader, srpGroupN())
	g := big.NewInt(5)
	Abig := new(big.Int).Exp(g, a, srpGroupN())

	Bbig := new(big.Int).SetBytes(B)

	// k = H(N | PAD(g)), u = H(PAD(A)|PAD(B)), x = H(s|H(I:P))
	N := srpGroupN()
	byteLen := (N.BitLen() + 7) / 8
	pad := func(x *big.Int) []byte {
		raw := x.Bytes()
		out := make([]byte, byteLen)
		copy(out[byteLen-len(raw):], raw)
		return out
	}
	h := func(b []byte) []byte {
		sum := sha512.Sum512(b)
		return sum[:]
	}

	kh := sha512.New()
	kh.Write(pad(N))
	kh.Write(pad(g))
	k := new(big.Int).SetBytes(kh.Sum(nil))

	uh := sha512.New()
	uh.Write(pad(Abig))
	uh.Write(pad(Bbig))
	u := new(big.Int).SetBytes(uh.Sum(nil))

	inner := h([]byte(identity + ":" + password))
	xh := sha512.New()
	xh.Write(salt)
	xh.Write(inner)
	x := new(big.Int).SetBytes(xh.Sum(nil))

	gx := new(big.Int).Exp(g, x, N)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(Bbig, kgx)
	base.Mod(base, N)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, a)
	S := new(big.Int).Exp(base, exp, N)
	K := h(pad(S))

	hn := h(pad(N))
	hg := h(pad(g))
	xored := make([]byte, len(hn))
	for i := range xored {
		xored[i] = hn[i] ^ hg[i]
	}
	hi := h([]byte(identity))

	m1h := sha512.New()
	m1h.Write(xored)
	m1h.Write(hi)
	m1h.Write(salt)
	m1h.Write(pad(Abig))
	m1h.Write(pad(Bbig))
	m1h.Write(K)

	return pad(Abig), m1h.Sum(nil), K
}

func srpGroupN() *big.Int {
	n, _ := new(big.Int).SetString(""+
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0"+
		"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43"+
		"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C4"+
		"2E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B"+
		"1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69"+
		"163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077"+
		"096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF"+
		"6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC4"+
		"2DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA7"+
		"1575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25"+
		"619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521"+
		"F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074"+
		"E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF", 16)
	return n
}

func TestFullPairSetupFlow(t *testing.T) {
	accessoryPub, accessoryPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	identity := Identity{AccessoryID: "11:22:33:44:55:66", LongTermKey: accessoryPriv}
	store := newMemStore()

	m := New(identity, "031-45-154", nil)
	defer m.Close()

	m2, err := m.HandleM1(nil)
	if err != nil {
		t.Fatal(err)
	}
	salt, _ := m2.Get(tlv8.Salt)
	B, _ := m2.Get(tlv8.PublicKey)

	A, clientProof, clientPremaster := clientSRP("Pair-Setup", "031-45-154", salt, B)

	m3 := tlv8.Container{}
	m3.AddByte(tlv8.State, 3)
	m3.Add(tlv8.PublicKey, A)
	m3.Add(tlv8.Proof, clientProof)

	m4, err := m.HandleM3(m3)
	if err != nil {
		t.Fatal(err)
	}
	if errCode, ok := m4.Get(tlv8.Error); ok {
		t.Fatalf("M3 rejected: error code %v", errCode)
	}
	if _, ok := m4.Get(tlv8.Proof); !ok {
		t.Fatal("M4 missing server proof")
	}

	// Client builds M5: Identifier/PublicKey/Signature encrypted under
	// SessionKey derived from the SAME premaster the server derived.
	devicePub, devicePriv, _ := ed25519.GenerateKey(rand.Reader)
	deviceID := []byte("AA:BB:CC:DD:EE:FF")

	sessionKey := make([]byte, 32)
	r := hkdf.New(sha512.New, clientPremaster, []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"))
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		t.Fatal(err)
	}

	iOSDeviceX := make([]byte, 32)
	r2 := hkdf.New(sha512.New, clientPremaster, []byte("Pair-Setup-Controller-Sign-Salt"), []byte("Pair-Setup-Controller-Sign-Info"))
	if _, err := io.ReadFull(r2, iOSDeviceX); err != nil {
		t.Fatal(err)
	}
	signed := append(append(append([]byte{}, iOSDeviceX...), deviceID...), devicePub...)
	sig := ed25519.Sign(devicePriv, signed)

	inner := tlv8.Container{}
	inner.Add(tlv8.Identifier, deviceID)
	inner.Add(tlv8.PublicKey, devicePub)
	inner.Add(tlv8.Signature, sig)

	encryptedM5, err := sealWithLabel(sessionKey, "PS-Msg05", tlv8.Encode(inner))
	if err != nil {
		t.Fatal(err)
	}

	m5 := tlv8.Container{}
	m5.AddByte(tlv8.State, 5)
	m5.Add(tlv8.EncryptedData, encryptedM5)

	m6, result, err := m.HandleM5(m5, store)
	if err != nil {
		t.Fatal(err)
	}
	if errCode, ok := m6.Get(tlv8.Error); ok {
		t.Fatalf("M5 rejected: error code %v", errCode)
	}
	if result == nil || result.DeviceID != string(deviceID) {
		t.Fatalf("unexpected result: %+v", result)
	}

	stored, err := store.Find(string(deviceID))
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Permissions.IsAdmin() {
		t.Fatal("first pairing must be admin")
	}

	// Client decrypts M6 and verifies the accessory's signature.
	encryptedM6, _ := m6.Get(tlv8.EncryptedData)
	plaintext, err := openWithLabel(sessionKey, "PS-Msg06", encryptedM6)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := tlv8.Decode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	accID, _ := outer.Get(tlv8.Identifier)
	accPub, _ := outer.Get(tlv8.PublicKey)
	accSig, _ := outer.Get(tlv8.Signature)
	if string(accID) != identity.AccessoryID {
		t.Fatalf("accessory id mismatch: %q", accID)
	}

	accessoryX := make([]byte, 32)
	r3 := hkdf.New(sha512.New, clientPremaster, []byte("Pair-Setup-Accessory-Sign-Salt"), []byte("Pair-Setup-Accessory-Sign-Info"))
	io.ReadFull(r3, accessoryX)
	expectedSigned := append(append(append([]byte{}, accessoryX...), accID...), accPub...)
	if !ed25519.Verify(ed25519.PublicKey(accessoryPub), expectedSigned, accSig) {
		t.Fatal("accessory signature verification failed")
	}
}

func TestM3WrongProofReturnsAuthenticationError(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	identity := Identity{AccessoryID: "11:22:33:44:55:66", LongTermKey: priv}

	m := New(identity, "031-45-154", nil)
	defer m.Close()

	m2, err := m.HandleM1(nil)
	if err != nil {
		t.Fatal(err)
	}
	B, _ := m2.Get(tlv8.PublicKey)
	salt, _ := m2.Get(tlv8.Salt)

	A, _, _ := clientSRP("Pair-Setup", "wrong-code", salt, B)

	m3 := tlv8.Container{}
	m3.AddByte(tlv8.State, 3)
	m3.Add(tlv8.PublicKey, A)
	m3.Add(tlv8.Proof, make([]byte, 64)) // bogus proof

	m4, err := m.HandleM3(m3)
	if err != nil {
		t.Fatal(err)
	}
	code, ok := m4.Get(tlv8.Error)
	if !ok || tlv8.ErrorCode(code[0]) != tlv8.ErrorAuthentication {
		t.Fatalf("expected TLVError_Authentication, got %v", m4)
	}
}

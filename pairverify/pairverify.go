// Package pairverify implements the server side of HAP's Pair-Verify:
// a Curve25519 ECDH exchange mutually authenticated with Ed25519
// long-term identities, producing the shared secret the record layer
// derives its session keys from.
//
// The shape is a direct descendant of the teacher's ntor package: an
// ephemeral keypair, an X25519 shared-secret computation, an HKDF key
// schedule, and a Close() that zeroes the ephemeral private key on every
// exit path.
package pairverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/tlv8"
)

const (
	encryptSalt = "Pair-Verify-Encrypt-Salt"
	encryptInfo = "Pair-Verify-Encrypt-Info"
)

// Identity is the accessory's persistent Ed25519 identity.
type Identity struct {
	AccessoryID string
	LongTermKey ed25519.PrivateKey
}

// Machine drives one Pair-Verify attempt for one session. Like
// pairsetup.Machine, it is single-use: any failure drops the Machine so
// a retry starts clean at V1.
type Machine struct {
	identity Identity
	store    pairing.Store
	logger   *slog.Logger

	accessoryPriv [32]byte // ephemeral Curve25519 private key
	accessoryPub  [32]byte
	iosPub        [32]byte
	sharedSecret  []byte
	sessionKey    [32]byte
}

// New creates a fresh Pair-Verify machine bound to the pairing store
// used to authenticate the controller in V3.
func New(identity Identity, store pairing.Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{identity: identity, store: store, logger: logger}
}

// Close zeroes all ephemeral and derived secrets.
func (m *Machine) Close() {
	clearBytes(m.accessoryPriv[:])
	clearBytes(m.sharedSecret)
	clearBytes(m.sessionKey[:])
}

// Result carries what Server needs after a successful V3/V4: the
// identity to bind to the session and the derived record-layer secret.
type Result struct {
	DeviceID     string
	Permissions  pairing.Permissions
	SharedSecret []byte // feed directly to recordlayer.DeriveKeys
}

// HandleV1 processes State=1 (PublicKey=iOSCurve25519Public) and returns
// the V2 response.
func (m *Machine) HandleV1(req tlv8.Container) (tlv8.Container, error) {
	iosPub, ok := req.Get(tlv8.PublicKey)
	if !ok || len(iosPub) != 32 {
		return nil, fmt.Errorf("pairverify: V1: missing or malformed PublicKey")
	}
	copy(m.iosPub[:], iosPub)

	if _, err := rand.Read(m.accessoryPriv[:]); err != nil {
		return nil, fmt.Errorf("pairverify: V1: generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(m.accessoryPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("pairverify: V1: compute ephemeral public key: %w", err)
	}
	copy(m.accessoryPub[:], pub)

	shared, err := curve25519.X25519(m.accessoryPriv[:], m.iosPub[:])
	if err != nil {
		return nil, fmt.Errorf("pairverify: V1: X25519: %w", err)
	}
	m.sharedSecret = shared

	if err := m.deriveSessionKey(); err != nil {
		return nil, fmt.Errorf("pairverify: V1: derive session key: %w", err)
	}

	// AccessoryInfo = accessoryCurvePublic || AccessoryID || iOSCurvePublic
	accessoryInfo := append(append(append([]byte{}, m.accessoryPub[:]...), []byte(m.identity.AccessoryID)...), m.iosPub[:]...)
	sig := ed25519.Sign(m.identity.LongTermKey, accessoryInfo)

	inner := tlv8.Container{}
	inner.Add(tlv8.Identifier, []byte(m.identity.AccessoryID))
	inner.Add(tlv8.Signature, sig)

	sealed, err := sealWithLabel(m.sessionKey[:], "PV-Msg02", tlv8.Encode(inner))
	if err != nil {
		return nil, fmt.Errorf("pairverify: V1: seal: %w", err)
	}

	m.logger.Debug("pair-verify V1: ephemeral exchange complete")

	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, 2)
	resp.Add(tlv8.PublicKey, m.accessoryPub[:])
	resp.Add(tlv8.EncryptedData, sealed)
	return resp, nil
}

// HandleV3 processes State=3 (EncryptedData) and returns the V4 response
// plus, on success, the Result the caller binds to the session.
func (m *Machine) HandleV3(req tlv8.Container) (tlv8.Container, *Result, error) {
	encrypted, ok := req.Get(tlv8.EncryptedData)
	if !ok {
		return nil, nil, fmt.Errorf("pairverify: V3: missing EncryptedData")
	}

	plaintext, err := openWithLabel(m.sessionKey[:], "PV-Msg03", encrypted)
	if err != nil {
		m.logger.Debug("pair-verify V3: decrypt failed", "error", err)
		return authErrorResponse(), nil, nil
	}

	inner, err := tlv8.Decode(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("pairverify: V3: decode inner TLV: %w", err)
	}
	deviceIDBytes, ok := inner.Get(tlv8.Identifier)
	if !ok {
		return authErrorResponse(), nil, nil
	}
	iosSig, ok := inner.Get(tlv8.Signature)
	if !ok {
		return authErrorResponse(), nil, nil
	}

	deviceID := string(deviceIDBytes)
	p, err := m.store.Find(deviceID)
	if err != nil {
		m.logger.Debug("pair-verify V3: unknown pairing", "device_id", deviceID)
		return authErrorResponse(), nil, nil
	}

	// signed = iOSCurvePublic || iOSDeviceID || accessoryCurvePublic
	signed := append(append(append([]byte{}, m.iosPub[:]...), deviceIDBytes...), m.accessoryPub[:]...)
	if !ed25519.Verify(p.PublicKey, signed, iosSig) {
		m.logger.Debug("pair-verify V3: signature verification failed", "device_id", deviceID)
		return authErrorResponse(), nil, nil
	}

	m.logger.Info("pair-verify complete", "device_id", deviceID)

	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, 4)
	return resp, &Result{
		DeviceID:     deviceID,
		Permissions:  p.Permissions,
		SharedSecret: m.sharedSecret,
	}, nil
}

func (m *Machine) deriveSessionKey() error {
	r := hkdf.New(sha512.New, m.sharedSecret, []byte(encryptSalt), []byte(encryptInfo))
	_, err := io.ReadFull(r, m.sessionKey[:])
	return err
}

func nonceForLabel(label string) [12]byte {
	var n [12]byte
	copy(n[4:], label)
	return n
}

func sealWithLabel(key []byte, label string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := nonceForLabel(label)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func openWithLabel(key []byte, label string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := nonceForLabel(label)
	return aead.Open(nil, nonce[:], ciphertext, nil)
}

func authErrorResponse() tlv8.Container {
	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, 4)
	resp.AddByte(tlv8.Error, uint8(tlv8.ErrorAuthentication))
	return resp
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

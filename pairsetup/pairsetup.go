// Package pairsetup implements the server side of HAP's Pair-Setup: the
// three-round SRP-6a handshake (via the srp package) plus the exchange
// of Ed25519 long-term identities that follows it.
//
// A Machine is single-use and session-bound, the same way ntor's
// HandshakeState is a single-use client handshake: a fresh Machine is
// created for M1 and discarded (never reused) the instant any step
// fails, so a retry always starts clean at M1.
package pairsetup

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cvsouth/hap-go/pairing"
	"github.com/cvsouth/hap-go/srp"
	"github.com/cvsouth/hap-go/tlv8"
)

// srpIdentity is the literal SRP username HAP mandates for Pair-Setup.
const srpIdentity = "Pair-Setup"

// HKDF-SHA512 salts/infos from spec.md §4.3.
const (
	encryptSalt = "Pair-Setup-Encrypt-Salt"
	encryptInfo = "Pair-Setup-Encrypt-Info"

	controllerSignSalt = "Pair-Setup-Controller-Sign-Salt"
	controllerSignInfo = "Pair-Setup-Controller-Sign-Info"

	accessorySignSalt = "Pair-Setup-Accessory-Sign-Salt"
	accessorySignInfo = "Pair-Setup-Accessory-Sign-Info"
)

// Identity is the accessory's persistent Ed25519 identity, supplied by
// the caller (owned by Server, per spec.md §3).
type Identity struct {
	AccessoryID string
	LongTermKey ed25519.PrivateKey
}

// Machine drives one Pair-Setup attempt for one session.
type Machine struct {
	identity  Identity
	setupCode string
	logger    *slog.Logger

	srpSession *srp.ServerSession
	sessionKey [32]byte // set once M3/M4 succeeds
	premaster  []byte
}

// New creates a fresh Pair-Setup machine. setupCode is the resolved
// "XXX-XX-XXX" password to feed SRP — already chosen by the caller from
// the configured value, a callback-displayed generated value, or (never)
// a hard-coded literal; see spec.md §9's first Open Question.
func New(identity Identity, setupCode string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{identity: identity, setupCode: setupCode, logger: logger}
}

// Close zeroes any sensitive intermediate state. Safe to call multiple
// times and on a Machine that never got past M1.
func (m *Machine) Close() {
	if m.srpSession != nil {
		m.srpSession.Close()
	}
	clearBytes(m.sessionKey[:])
	clearBytes(m.premaster)
}

// HandleM1 processes State=1 and returns the M2 response.
func (m *Machine) HandleM1(_ tlv8.Container) (tlv8.Container, error) {
	sess, err := srp.NewServerSession(srpIdentity, m.setupCode)
	if err != nil {
		return nil, fmt.Errorf("pairsetup: M1: %w", err)
	}
	m.srpSession = sess
	m.logger.Debug("pair-setup M1: SRP session initialized")

	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, 2)
	resp.Add(tlv8.PublicKey, sess.PublicKey())
	resp.Add(tlv8.Salt, sess.Salt())
	return resp, nil
}

// HandleM3 processes State=3 (PublicKey=A, Proof=M1) and returns the M4
// response — either {State:4, Proof:M2} or {State:4, Error:Authentication}.
func (m *Machine) HandleM3(req tlv8.Container) (tlv8.Container, error) {
	A, ok := req.Get(tlv8.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pairsetup: M3: missing PublicKey")
	}
	clientProof, ok := req.Get(tlv8.Proof)
	if !ok {
		return nil, fmt.Errorf("pairsetup: M3: missing Proof")
	}

	premaster, serverProof, err := m.srpSession.VerifyClientProof(A, clientProof)
	if err != nil {
		m.logger.Debug("pair-setup M3: SRP verification failed", "error", err)
		return authErrorResponse(4), nil
	}
	m.premaster = premaster

	if err := m.deriveSessionKey(); err != nil {
		return nil, fmt.Errorf("pairsetup: M3: derive session key: %w", err)
	}

	m.logger.Debug("pair-setup M3: SRP proof verified")
	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, 4)
	resp.Add(tlv8.Proof, serverProof)
	return resp, nil
}

func (m *Machine) deriveSessionKey() error {
	r := hkdf.New(sha512.New, m.premaster, []byte(encryptSalt), []byte(encryptInfo))
	_, err := io.ReadFull(r, m.sessionKey[:])
	return err
}

// M5Result carries the decoded device identity from a successful M5. It is
// returned alongside the already-built M6 response; a non-nil result tells
// the caller (Server) that a pairing was admitted, and Server re-advertises.
type M5Result struct {
	DeviceID  string
	PublicKey ed25519.PublicKey
}

// HandleM5 processes State=5 (EncryptedData) and returns the M6 response
// plus the pairing that was just admitted. store.Add is called with
// Permissions=PermissionAdmin: the first pairing is always admin, per
// spec.md §4.3.
func (m *Machine) HandleM5(req tlv8.Container, store pairing.Store) (tlv8.Container, *M5Result, error) {
	encrypted, ok := req.Get(tlv8.EncryptedData)
	if !ok {
		return nil, nil, fmt.Errorf("pairsetup: M5: missing EncryptedData")
	}

	plaintext, err := openWithLabel(m.sessionKey[:], "PS-Msg05", encrypted)
	if err != nil {
		m.logger.Debug("pair-setup M5: decrypt failed", "error", err)
		return authErrorResponse(6), nil, nil
	}

	inner, err := tlv8.Decode(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("pairsetup: M5: decode inner TLV: %w", err)
	}
	deviceIDBytes, ok := inner.Get(tlv8.Identifier)
	if !ok {
		return authErrorResponse(6), nil, nil
	}
	devicePub, ok := inner.Get(tlv8.PublicKey)
	if !ok || len(devicePub) != ed25519.PublicKeySize {
		return authErrorResponse(6), nil, nil
	}
	deviceSig, ok := inner.Get(tlv8.Signature)
	if !ok {
		return authErrorResponse(6), nil, nil
	}

	if err := pairing.ValidatePoint(devicePub); err != nil {
		m.logger.Debug("pair-setup M5: invalid device key", "error", err)
		return authErrorResponse(6), nil, nil
	}

	iOSDeviceX, err := m.hkdfDerive(controllerSignSalt, controllerSignInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("pairsetup: M5: derive iOSDeviceX: %w", err)
	}

	signed := append(append(append([]byte{}, iOSDeviceX...), deviceIDBytes...), devicePub...)
	if !ed25519.Verify(ed25519.PublicKey(devicePub), signed, deviceSig) {
		m.logger.Debug("pair-setup M5: controller signature verification failed")
		return authErrorResponse(6), nil, nil
	}

	deviceID := string(deviceIDBytes)
	if err := store.Add(pairing.Pairing{
		DeviceID:    deviceID,
		PublicKey:   ed25519.PublicKey(devicePub),
		Permissions: pairing.PermissionAdmin,
	}); err != nil {
		m.logger.Warn("pair-setup M5: store pairing failed", "error", err)
		return unknownErrorResponse(6), nil, nil
	}

	resp, err := m.buildM6()
	if err != nil {
		return nil, nil, fmt.Errorf("pairsetup: M5: build M6: %w", err)
	}

	m.logger.Info("pair-setup complete", "device_id", deviceID)
	return resp, &M5Result{DeviceID: deviceID, PublicKey: ed25519.PublicKey(devicePub)}, nil
}

func (m *Machine) buildM6() (tlv8.Container, error) {
	accessoryX, err := m.hkdfDerive(accessorySignSalt, accessorySignInfo)
	if err != nil {
		return nil, fmt.Errorf("derive AccessoryX: %w", err)
	}

	accessoryLTPK := m.identity.LongTermKey.Public().(ed25519.PublicKey)
	signed := append(append(append([]byte{}, accessoryX...), []byte(m.identity.AccessoryID)...), accessoryLTPK...)
	sig := ed25519.Sign(m.identity.LongTermKey, signed)

	inner := tlv8.Container{}
	inner.Add(tlv8.Identifier, []byte(m.identity.AccessoryID))
	inner.Add(tlv8.PublicKey, accessoryLTPK)
	inner.Add(tlv8.Signature, sig)

	sealed, err := sealWithLabel(m.sessionKey[:], "PS-Msg06", tlv8.Encode(inner))
	if err != nil {
		return nil, fmt.Errorf("seal M6: %w", err)
	}

	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, 6)
	resp.Add(tlv8.EncryptedData, sealed)
	return resp, nil
}

func (m *Machine) hkdfDerive(salt, info string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha512.New, m.premaster, []byte(salt), []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// nonceForLabel builds the 12-byte nonce HAP's pairing endpoints use:
// 4 zero bytes followed by the 8-byte ASCII label, the same left-padded
// layout recordlayer.nonceFor uses for its counter.
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

func authErrorResponse(state uint8) tlv8.Container {
	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, state)
	resp.AddByte(tlv8.Error, uint8(tlv8.ErrorAuthentication))
	return resp
}

func unknownErrorResponse(state uint8) tlv8.Container {
	resp := tlv8.Container{}
	resp.AddByte(tlv8.State, state)
	resp.AddByte(tlv8.Error, uint8(tlv8.ErrorUnknown))
	return resp
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

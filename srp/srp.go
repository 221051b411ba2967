// Package srp implements the server side of SRP-6a over the 3072-bit
// group (RFC 5054), as HAP's Pair-Setup mandates. HAP treats SRP's
// algebra as an opaque platform primitive; this package is the hand
// rolled protocol-math helper that provides it, built the same way the
// teacher's ntor package hand-rolls the ntor handshake on top of stdlib
// big-integer and hash primitives rather than pulling in a generic
// PAKE library (none of the retrieved examples carry one).
package srp

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"math/big"
)

const saltLen = 16

// ServerSession holds one in-flight SRP-6a server handshake. Identity is
// always the literal string "Pair-Setup" per spec.
type ServerSession struct {
	identity string
	verifier *big.Int
	salt     []byte

	b *big.Int // server ephemeral private
	B *big.Int // server ephemeral public
}

// NewServerSession computes the verifier from (identity, password),
// generates a fresh salt and ephemeral keypair, and returns the
// (salt, B) pair to send in M2.
func NewServerSession(identity, password string) (*ServerSession, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srp: generate salt: %w", err)
	}

	x := computeX(salt, identity, password)
	v := new(big.Int).Exp(groupG, x, groupN)

	b, err := rand.Int(rand.Reader, groupN)
	if err != nil {
		return nil, fmt.Errorf("srp: generate ephemeral private key: %w", err)
	}

	k := computeK()
	// B = (k*v + g^b) mod N
	gb := new(big.Int).Exp(groupG, b, groupN)
	kv := new(big.Int).Mul(k, v)
	B := new(big.Int).Add(kv, gb)
	B.Mod(B, groupN)

	return &ServerSession{
		identity: identity,
		verifier: v,
		salt:     salt,
		b:        b,
		B:        B,
	}, nil
}

// Close zeroes the ephemeral private key. Call on every exit path once
// the handshake either completes or is abandoned.
func (s *ServerSession) Close() {
	if s.b != nil {
		s.b.SetInt64(0)
	}
}

// Salt returns the salt to send in M2.
func (s *ServerSession) Salt() []byte { return s.salt }

// PublicKey returns B, padded to the group's byte length, to send in M2.
func (s *ServerSession) PublicKey() []byte { return pad(s.B) }

// VerifyClientProof checks the client's M1 proof against A, computing
// the shared premaster secret and the server's own proof M2 on success.
// A is the client's public ephemeral key as received in M3.
func (s *ServerSession) VerifyClientProof(aBytes, clientProof []byte) (premaster, serverProof []byte, err error) {
	A := new(big.Int).SetBytes(aBytes)

	// Reject A ≡ 0 (mod N): the classic SRP safety check.
	if new(big.Int).Mod(A, groupN).Sign() == 0 {
		return nil, nil, fmt.Errorf("srp: invalid client public key A")
	}

	u := computeU(pad(A), pad(s.B))
	if u.Sign() == 0 {
		return nil, nil, fmt.Errorf("srp: scrambling parameter u is zero")
	}

	// S = (A * v^u)^b mod N
	vu := new(big.Int).Exp(s.verifier, u, groupN)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, groupN)
	S := new(big.Int).Exp(base, s.b, groupN)

	K := hashBytes(pad(S))

	expectedProof := computeM1(s.identity, s.salt, pad(A), pad(s.B), K)
	if !constantTimeEqual(expectedProof, clientProof) {
		return nil, nil, fmt.Errorf("srp: client proof M1 does not match")
	}

	m2 := computeM2(pad(A), expectedProof, K)
	return K, m2, nil
}

func computeX(salt []byte, identity, password string) *big.Int {
	inner := hashBytes([]byte(identity + ":" + password))
	h := sha512.New()
	h.Write(salt)
	h.Write(inner)
	return new(big.Int).SetBytes(h.Sum(nil))
}

func computeK() *big.Int {
	h := sha512.New()
	h.Write(pad(groupN))
	// PAD(g) is g left-padded to the same byte length as N.
	gBytes := make([]byte, byteLen)
	gb := groupG.Bytes()
	copy(gBytes[byteLen-len(gb):], gb)
	h.Write(gBytes)
	return new(big.Int).SetBytes(h.Sum(nil))
}

func computeU(paddedA, paddedB []byte) *big.Int {
	h := sha512.New()
	h.Write(paddedA)
	h.Write(paddedB)
	return new(big.Int).SetBytes(h.Sum(nil))
}

func computeM1(identity string, salt, paddedA, paddedB, K []byte) []byte {
	hn := hashBytes(pad(groupN))
	hg := hashBytes(func() []byte {
		gBytes := make([]byte, byteLen)
		gb := groupG.Bytes()
		copy(gBytes[byteLen-len(gb):], gb)
		return gBytes
	}())
	xored := make([]byte, len(hn))
	for i := range xored {
		xored[i] = hn[i] ^ hg[i]
	}
	hi := hashBytes([]byte(identity))

	h := sha512.New()
	h.Write(xored)
	h.Write(hi)
	h.Write(salt)
	h.Write(paddedA)
	h.Write(paddedB)
	h.Write(K)
	return h.Sum(nil)
}

func computeM2(paddedA, m1, K []byte) []byte {
	h := sha512.New()
	h.Write(paddedA)
	h.Write(m1)
	h.Write(K)
	return h.Sum(nil)
}

func hashBytes(b []byte) []byte {
	sum := sha512.Sum512(b)
	return sum[:]
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

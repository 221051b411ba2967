// Package recordlayer implements the HAP record layer: once a session
// is verified, every byte in either direction is framed as a
// ChaCha20-Poly1305 AEAD record with an independent, monotonically
// increasing 64-bit counter per direction.
//
// The shape mirrors the teacher's circuit.Circuit: two mutexes guard
// the two independent directions, so each direction's counter advances
// atomically with the records Encrypt or Decrypter.Feed processes. The
// socket write that follows Encrypt is not under the lock.
package recordlayer

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MaxPlaintext is the largest plaintext a single record may carry.
const MaxPlaintext = 1024

const tagSize = chacha20poly1305.Overhead // 16

// HKDF-SHA512 salts/infos used to derive the record-layer keys from the
// pair-verify shared secret (HAP R2 §5.5.4).
const (
	controlSalt = "Control-Salt"
	readInfo    = "Control-Read-Encryption-Key"
	writeInfo   = "Control-Write-Encryption-Key"
)

// DeriveKeys derives the per-direction record-layer keys from the
// pair-verify shared secret. readKey decrypts controller->accessory
// traffic, writeKey encrypts accessory->controller traffic — names are
// taken from the accessory's perspective per spec.
func DeriveKeys(sharedSecret []byte) (readKey, writeKey [32]byte, err error) {
	if err = expand(sharedSecret, readInfo, readKey[:]); err != nil {
		return readKey, writeKey, err
	}
	if err = expand(sharedSecret, writeInfo, writeKey[:]); err != nil {
		return readKey, writeKey, err
	}
	return readKey, writeKey, nil
}

func expand(secret []byte, info string, out []byte) error {
	r := hkdf.New(sha512.New, secret, []byte(controlSalt), []byte(info))
	_, err := io.ReadFull(r, out)
	return err
}

// Layer is a bidirectional record-layer codec bound to one session. Both
// counters start at zero and are never reset; a session that would wrap
// a counter past 2^64 records is closed instead (the closed flag).
type Layer struct {
	rmu        sync.Mutex
	wmu        sync.Mutex
	readKey    [32]byte
	writeKey   [32]byte
	readCount  uint64
	writeCount uint64
	closed     bool
}

// New builds a Layer from the derived per-direction keys.
func New(readKey, writeKey [32]byte) *Layer {
	return &Layer{readKey: readKey, writeKey: writeKey}
}

// Encrypt frames plaintext into ⌈len(plaintext)/1024⌉ records
// concatenated, advancing the write counter by the same amount.
func (l *Layer) Encrypt(plaintext []byte) ([]byte, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	aead, err := chacha20poly1305.New(l.writeKey[:])
	if err != nil {
		return nil, fmt.Errorf("recordlayer: build AEAD: %w", err)
	}

	var out []byte
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > MaxPlaintext {
			n = MaxPlaintext
		}
		chunk := plaintext[:n]
		plaintext = plaintext[n:]

		if l.writeCount == ^uint64(0) {
			l.closed = true
			return nil, fmt.Errorf("recordlayer: write counter exhausted, session closed")
		}

		var hdr [2]byte
		binary.LittleEndian.PutUint16(hdr[:], uint16(n))

		nonce := nonceFor(l.writeCount)
		sealed := aead.Seal(nil, nonce[:], chunk, hdr[:])

		out = append(out, hdr[:]...)
		out = append(out, sealed...)
		l.writeCount++
	}
	return out, nil
}

// Decrypter incrementally consumes buffered ciphertext and yields
// decoded plaintext records, retaining any incomplete trailing record
// for the next call (the receive-path buffering spec.md §4.1 requires).
type Decrypter struct {
	l   *Layer
	buf []byte
}

// NewDecrypter returns a stateful decrypter bound to l.
func (l *Layer) NewDecrypter() *Decrypter {
	return &Decrypter{l: l}
}

// Feed appends newly read bytes and returns every complete plaintext
// record it can decode from the buffer so far. A record-authentication
// failure is terminal: the layer is marked closed and no further
// records are accepted, matching spec.md's "transport error closes the
// session silently".
func (d *Decrypter) Feed(data []byte) ([][]byte, error) {
	d.l.rmu.Lock()
	defer d.l.rmu.Unlock()

	if d.l.closed {
		return nil, fmt.Errorf("recordlayer: session closed")
	}
	d.buf = append(d.buf, data...)

	aead, err := chacha20poly1305.New(d.l.readKey[:])
	if err != nil {
		return nil, fmt.Errorf("recordlayer: build AEAD: %w", err)
	}

	var plaintexts [][]byte
	for {
		if len(d.buf) < 2 {
			return plaintexts, nil
		}
		n := int(binary.LittleEndian.Uint16(d.buf[0:2]))
		if n == 0 || n > MaxPlaintext {
			d.l.closed = true
			return plaintexts, fmt.Errorf("recordlayer: invalid record length %d", n)
		}
		total := 2 + n + tagSize
		if len(d.buf) < total {
			return plaintexts, nil
		}

		hdr := d.buf[0:2]
		ciphertext := d.buf[2:total]

		if d.l.readCount == ^uint64(0) {
			d.l.closed = true
			return plaintexts, fmt.Errorf("recordlayer: read counter exhausted, session closed")
		}
		nonce := nonceFor(d.l.readCount)
		plain, err := aead.Open(nil, nonce[:], ciphertext, hdr)
		if err != nil {
			d.l.closed = true
			return plaintexts, fmt.Errorf("recordlayer: authentication failed: %w", err)
		}
		d.l.readCount++
		plaintexts = append(plaintexts, plain)
		d.buf = d.buf[total:]
	}
}

// nonceFor builds the 12-byte nonce: 4 zero bytes || 8-byte
// little-endian counter.
func nonceFor(counter uint64) [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

package pairing

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/edwards25519"
)

// FileStore is the default Store implementation: the whole pairing set
// lives as one JSON file, rewritten atomically on every mutation. This
// mirrors directory.Cache's LoadConsensus/SaveConsensus pattern — read
// the file fresh, decode, mutate in memory, re-encode, write back.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileRecord struct {
	DeviceID    string `json:"device_id"`
	PublicKey   string `json:"public_key"` // base64 not needed; hex keeps diffs readable
	Permissions uint8  `json:"permissions"`
}

// identityRecord persists the accessory's own long-term identity
// (spec.md §6's load_accessory_id/load_accessory_key), alongside the
// pairing set, in the same JSON document.
type identityRecord struct {
	AccessoryID string `json:"accessory_id"`
	PrivateKey  string `json:"private_key"` // hex-encoded Ed25519 seed+public
}

type fileData struct {
	Identity *identityRecord `json:"identity,omitempty"`
	Pairings []fileRecord    `json:"pairings"`
}

// NewFileStore opens (or creates) a JSON pairing store at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("pairing: create store directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeData(path, fileData{}); err != nil {
			return nil, err
		}
	}
	return &FileStore{path: path}, nil
}

// LoadIdentity implements IdentityStore.
func (s *FileStore) LoadIdentity() (string, ed25519.PrivateKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return "", nil, false, err
	}
	if d.Identity == nil {
		return "", nil, false, nil
	}
	key, err := parsePrivateKeyHex(d.Identity.PrivateKey)
	if err != nil {
		return "", nil, false, fmt.Errorf("pairing: corrupt stored identity: %w", err)
	}
	return d.Identity.AccessoryID, key, true, nil
}

// SaveIdentity implements IdentityStore.
func (s *FileStore) SaveIdentity(accessoryID string, key ed25519.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return err
	}
	d.Identity = &identityRecord{AccessoryID: accessoryID, PrivateKey: privateKeyHex(key)}
	return writeData(s.path, d)
}

func (s *FileStore) CanAdd() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return false, err
	}
	// A constrained accessory typically caps the pairing set; 16 mirrors
	// common HAP accessory firmware limits.
	const maxPairings = 16
	return len(d.Pairings) < maxPairings, nil
}

func (s *FileStore) Add(p Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return err
	}
	for _, r := range d.Pairings {
		if r.DeviceID == p.DeviceID {
			if r.PublicKey != keyHex(p.PublicKey) {
				return ErrIdentifierConflict
			}
			return nil // already present with the same key: no-op
		}
	}
	const maxPairings = 16
	if len(d.Pairings) >= maxPairings {
		return ErrFull
	}
	d.Pairings = append(d.Pairings, fileRecord{
		DeviceID:    p.DeviceID,
		PublicKey:   keyHex(p.PublicKey),
		Permissions: uint8(p.Permissions),
	})
	return writeData(s.path, d)
}

func (s *FileStore) Update(deviceID string, permissions Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return err
	}
	for i := range d.Pairings {
		if d.Pairings[i].DeviceID == deviceID {
			d.Pairings[i].Permissions = uint8(permissions)
			return writeData(s.path, d)
		}
	}
	return ErrNotFound
}

func (s *FileStore) Remove(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return err
	}
	for i, r := range d.Pairings {
		if r.DeviceID == deviceID {
			d.Pairings = append(d.Pairings[:i], d.Pairings[i+1:]...)
			return writeData(s.path, d)
		}
	}
	return ErrNotFound
}

func (s *FileStore) Find(deviceID string) (Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return Pairing{}, err
	}
	for _, r := range d.Pairings {
		if r.DeviceID == deviceID {
			return r.pairing()
		}
	}
	return Pairing{}, ErrNotFound
}

func (s *FileStore) All() ([]Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return nil, err
	}
	out := make([]Pairing, 0, len(d.Pairings))
	for _, r := range d.Pairings {
		p, err := r.pairing()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FileStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := readData(s.path)
	if err != nil {
		return 0, err
	}
	return len(d.Pairings), nil
}

func (r fileRecord) pairing() (Pairing, error) {
	pub, err := parseKeyHex(r.PublicKey)
	if err != nil {
		return Pairing{}, fmt.Errorf("pairing: corrupt stored key for %s: %w", r.DeviceID, err)
	}
	return Pairing{
		DeviceID:    r.DeviceID,
		PublicKey:   pub,
		Permissions: Permissions(r.Permissions),
	}, nil
}

func readData(path string) (fileData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileData{}, fmt.Errorf("pairing: read store: %w", err)
	}
	var d fileData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return fileData{}, fmt.Errorf("pairing: decode store: %w", err)
		}
	}
	return d, nil
}

func writeData(path string, d fileData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("pairing: encode store: %w", err)
	}
	// Write a sibling file and rename it over the store, so a failed write
	// leaves the previous document in place.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("pairing: write store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("pairing: replace store: %w", err)
	}
	return nil
}

func privateKeyHex(k ed25519.PrivateKey) string {
	return hex.EncodeToString(k)
}

func parsePrivateKeyHex(s string) (ed25519.PrivateKey, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode private key: %w", err)
	}
	if len(out) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("pairing: wrong private key length %d", len(out))
	}
	return ed25519.PrivateKey(out), nil
}

func keyHex(k ed25519.PublicKey) string {
	return hex.EncodeToString(k)
}

func parseKeyHex(s string) (ed25519.PublicKey, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pairing: decode key: %w", err)
	}
	if len(out) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pairing: wrong key length %d", len(out))
	}
	if err := ValidatePoint(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidatePoint checks that a candidate Ed25519 public key decodes to a
// valid point on the curve before it is ever handed to ed25519.Verify,
// the same defensive check the teacher's onion.address/onion.blind
// perform via edwards25519.Point.SetBytes.
func ValidatePoint(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("pairing: public key must be %d bytes", ed25519.PublicKeySize)
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("pairing: public key is not a valid curve point: %w", err)
	}
	return nil
}

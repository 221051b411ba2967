// Package pairing defines the facade over the persistent pairing-record
// collaborator (spec.md §6) and a default on-disk implementation.
package pairing

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Permissions is a bitset; bit0 (Admin) is the only HAP-defined flag.
type Permissions uint8

const (
	PermissionAdmin Permissions = 1 << 0
)

func (p Permissions) IsAdmin() bool { return p&PermissionAdmin != 0 }

// Pairing is a persistent record authorizing a controller.
type Pairing struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	Permissions Permissions
}

// ErrNotFound is returned by Find when no pairing matches the identifier.
var ErrNotFound = errors.New("pairing: not found")

// ErrIdentifierConflict is returned by Add when the identifier already
// maps to a different public key.
var ErrIdentifierConflict = errors.New("pairing: identifier already paired with a different key")

// ErrFull is returned by Add when the store has no remaining capacity.
var ErrFull = errors.New("pairing: store is full")

// Store is the interface the core depends on; applications may supply
// any implementation (flash-backed key-value store, a database, or the
// bundled FileStore).
type Store interface {
	// CanAdd reports whether there is room for one more pairing.
	CanAdd() (bool, error)
	// Add stores a brand-new pairing. Returns ErrFull or
	// ErrIdentifierConflict as appropriate; otherwise atomic.
	Add(p Pairing) error
	// Update changes the permissions of an existing pairing.
	Update(deviceID string, permissions Permissions) error
	// Remove deletes a pairing by device identifier. Returns ErrNotFound
	// if absent.
	Remove(deviceID string) error
	// Find looks up a pairing by device identifier.
	Find(deviceID string) (Pairing, error)
	// All returns every stored pairing, in stable order.
	All() ([]Pairing, error)
	// Count returns the number of stored pairings, used by Server.Paired().
	Count() (int, error)
}

// IdentityStore persists the accessory's own long-term identity
// (spec.md §6's load_accessory_id/save_accessory_id/load_accessory_key/
// save_accessory_key), created once on first boot and never rotated
// except on full reset. A Store implementation may optionally implement
// this too, as FileStore does, so one on-disk document covers both.
type IdentityStore interface {
	LoadIdentity() (accessoryID string, key ed25519.PrivateKey, ok bool, err error)
	SaveIdentity(accessoryID string, key ed25519.PrivateKey) error
}

// Paired reports whether at least one pairing exists — the pure boolean
// spec.md's Open Questions resolve "paired" to, instead of a cached flag
// that conflates first-pairing with re-pairing.
func Paired(s Store) (bool, error) {
	n, err := s.Count()
	if err != nil {
		return false, fmt.Errorf("pairing: count: %w", err)
	}
	return n > 0, nil
}

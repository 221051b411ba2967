// Package accessory implements the in-memory accessory/service/characteristic
// tree: value representation, constraint validation, permission enforcement,
// and the subscriber registry that drives asynchronous events.
//
// The typed Handler variant replaces what spec.md §9 calls out as a latent
// crash bug in the reference implementation: a single function-pointer slot
// cast to whatever signature the declared format implies. Here handlers pass
// values as interface{}, so there is no cast to get wrong; values written
// through Set or PushValue are type-checked against the format by validate.
// A handler's values are not checked against the format at construction.
package accessory

import (
	"fmt"
	"sync"
)

// Format identifies a characteristic's value representation.
type Format int

const (
	FormatBool Format = iota
	FormatUint8
	FormatUint16
	FormatUint32
	FormatUint64
	FormatInt
	FormatFloat
	FormatString
	FormatTLV8
	FormatData
)

// Permissions is a bitset over the characteristic permission flags of
// spec.md §3.
type Permissions uint8

const (
	PermissionPairedRead Permissions = 1 << iota
	PermissionPairedWrite
	PermissionNotify
	PermissionAdditionalAuthorization
	PermissionTimedWrite
	PermissionHidden
)

func (p Permissions) Has(flag Permissions) bool { return p&flag != 0 }

// Status is the HAP status code returned by model operations, carried back
// to the dispatcher for translation into the wire's numeric codes.
type Status int

const (
	StatusSuccess                   Status = 0
	StatusInsufficientPrivileges    Status = -70401
	StatusServiceCommunicationError Status = -70402
	StatusResourceBusy              Status = -70403
	StatusReadOnly                  Status = -70404
	StatusWriteOnly                 Status = -70405
	StatusNotificationsUnsupported  Status = -70406
	StatusOutOfResources            Status = -70407
	StatusTimedOut                  Status = -70408
	StatusNoResource                Status = -70409
	StatusInvalidValue              Status = -70410
	StatusInsufficientAuthorization Status = -70411
)

// Constraints bounds a characteristic's value, per format.
type Constraints struct {
	MinValue    *float64
	MaxValue    *float64
	MinStep     *float64
	MaxLen      *int // strings; default 64
	MaxDataLen  *int // data; default 2097152
	Unit        string
	ValidValues []float64 // optional enumerated set (0 or more)
}

// Characteristic is a single observable/controllable attribute, backed by
// the one Handler passed to NewCharacteristic.
type Characteristic struct {
	IID         uint64
	Type        string
	Format      Format
	Permissions Permissions
	Constraints Constraints

	mu       sync.Mutex
	handler  Handler
	subs     map[uint64]struct{} // session IDs subscribed for events
	notifier Notifier             // set by hap.New at server construction
}

// Notifier is called after each successful write to a characteristic that
// has subscribers, so the owning session supervisor can enqueue EVENT frames. It is injected rather
// than hard-wired so accessory stays free of any dependency on hap.Session.
type Notifier interface {
	NotifyChange(aid uint64, iid uint64, value interface{}, subscriberIDs []uint64)
}

// NewCharacteristic builds a characteristic with the given handler. It
// panics if the handler's checkFormat rejects format; StaticValue and
// Callback handlers accept every format, so a handler whose values do not
// suit format is not detected here.
func NewCharacteristic(iid uint64, typ string, format Format, perms Permissions, h Handler, c Constraints) *Characteristic {
	if err := h.checkFormat(format); err != nil {
		panic(fmt.Sprintf("accessory: characteristic %d: %v", iid, err))
	}
	return &Characteristic{
		IID:         iid,
		Type:        typ,
		Format:      format,
		Permissions: perms,
		Constraints: c,
		handler:     h,
		subs:        make(map[uint64]struct{}),
	}
}

// SetNotifier wires the subscriber-change collaborator; hap.New calls it
// for every characteristic at server construction.
func (c *Characteristic) SetNotifier(n Notifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

// Get reads the current value, honoring paired_read.
func (c *Characteristic) Get() (interface{}, Status) {
	if !c.Permissions.Has(PermissionPairedRead) {
		return nil, StatusWriteOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.handler.get()
	if err != nil {
		return nil, StatusServiceCommunicationError
	}
	return v, StatusSuccess
}

// Set validates and writes a new value, honoring paired_write and the
// declared Constraints. On success it notifies subscribers.
func (c *Characteristic) Set(aid uint64, v interface{}) Status {
	if !c.Permissions.Has(PermissionPairedWrite) {
		return StatusReadOnly
	}
	return c.write(aid, v)
}

// PushValue is how application code (not a controller write) changes a
// characteristic's underlying value and drives the same notify path Set
// does — the "local setter callback" path of spec.md §4.5. Unlike Set it
// does not require paired_write, since a sensor-style characteristic
// (paired_read + notify only) still needs to push its own readings.
func (c *Characteristic) PushValue(aid uint64, v interface{}) Status {
	return c.write(aid, v)
}

func (c *Characteristic) write(aid uint64, v interface{}) Status {
	if st := c.validate(v); st != StatusSuccess {
		return st
	}
	c.mu.Lock()
	err := c.handler.set(v)
	var subscribers []uint64
	if err == nil {
		subscribers = make([]uint64, 0, len(c.subs))
		for id := range c.subs {
			subscribers = append(subscribers, id)
		}
	}
	notifier := c.notifier
	c.mu.Unlock()
	if err != nil {
		return StatusServiceCommunicationError
	}
	if notifier != nil && len(subscribers) > 0 {
		notifier.NotifyChange(aid, c.IID, v, subscribers)
	}
	return StatusSuccess
}

// Subscribe adds sessionID to the notify list, honoring the notify
// permission flag.
func (c *Characteristic) Subscribe(sessionID uint64) Status {
	if !c.Permissions.Has(PermissionNotify) {
		return StatusNotificationsUnsupported
	}
	c.mu.Lock()
	c.subs[sessionID] = struct{}{}
	c.mu.Unlock()
	return StatusSuccess
}

// Unsubscribe removes sessionID from the notify list; idempotent.
func (c *Characteristic) Unsubscribe(sessionID uint64) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
}

// Subscribed reports whether sessionID is currently on the notify list,
// for the ev=1 read-back of GET /characteristics.
func (c *Characteristic) Subscribed(sessionID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

func (c *Characteristic) validate(v interface{}) Status {
	switch c.Format {
	case FormatBool:
		switch vv := v.(type) {
		case bool:
			return StatusSuccess
		case float64:
			if vv == 0 || vv == 1 {
				return StatusSuccess
			}
		}
		return StatusInvalidValue
	case FormatUint8, FormatUint16, FormatUint32, FormatUint64, FormatInt:
		f, ok := v.(float64)
		if !ok {
			return StatusInvalidValue
		}
		return c.validateNumeric(f, formatRange(c.Format))
	case FormatFloat:
		f, ok := v.(float64)
		if !ok {
			return StatusInvalidValue
		}
		return c.validateNumeric(f, [2]float64{-1e308, 1e308})
	case FormatString:
		s, ok := v.(string)
		if !ok {
			return StatusInvalidValue
		}
		maxLen := 64
		if c.Constraints.MaxLen != nil {
			maxLen = *c.Constraints.MaxLen
		}
		if len(s) > maxLen {
			return StatusInvalidValue
		}
		return StatusSuccess
	case FormatData:
		b, ok := v.([]byte)
		if !ok {
			return StatusInvalidValue
		}
		maxLen := 2097152
		if c.Constraints.MaxDataLen != nil {
			maxLen = *c.Constraints.MaxDataLen
		}
		if len(b) > maxLen {
			return StatusInvalidValue
		}
		return StatusSuccess
	case FormatTLV8:
		if _, ok := v.([]byte); !ok {
			return StatusInvalidValue
		}
		return StatusSuccess
	default:
		return StatusInvalidValue
	}
}

func (c *Characteristic) validateNumeric(f float64, natural [2]float64) Status {
	lo, hi := natural[0], natural[1]
	if c.Constraints.MinValue != nil {
		lo = *c.Constraints.MinValue
	}
	if c.Constraints.MaxValue != nil {
		hi = *c.Constraints.MaxValue
	}
	if f < lo || f > hi {
		return StatusInvalidValue
	}
	if len(c.Constraints.ValidValues) > 0 {
		for _, vv := range c.Constraints.ValidValues {
			if vv == f {
				return StatusSuccess
			}
		}
		return StatusInvalidValue
	}
	return StatusSuccess
}

func formatRange(f Format) [2]float64 {
	switch f {
	case FormatUint8:
		return [2]float64{0, 255}
	case FormatUint16:
		return [2]float64{0, 65535}
	case FormatUint32:
		return [2]float64{0, 4294967295}
	case FormatUint64:
		return [2]float64{0, 1.8446744073709552e19}
	case FormatInt:
		return [2]float64{-2147483648, 2147483647}
	default:
		return [2]float64{-1e308, 1e308}
	}
}

// Service groups characteristics under a type URI, per spec.md §3.
type Service struct {
	IID             uint64
	Type            string
	Hidden          bool
	Primary         bool
	Characteristics []*Characteristic
}

// FindCharacteristic returns the characteristic with the given iid, or nil.
func (s *Service) FindCharacteristic(iid uint64) *Characteristic {
	for _, c := range s.Characteristics {
		if c.IID == iid {
			return c
		}
	}
	return nil
}

// Accessory is a top-level device, uniquely identified by aid within the
// process. The first accessory must carry the mandatory AccessoryInformation
// service containing Identify and Name characteristics — enforced by
// Validate, called once at Server construction time.
type Accessory struct {
	AID      uint64
	Services []*Service
}

// FindCharacteristic resolves an iid to a characteristic within this
// accessory, or nil if absent.
func (a *Accessory) FindCharacteristic(iid uint64) *Characteristic {
	for _, s := range a.Services {
		if c := s.FindCharacteristic(iid); c != nil {
			return c
		}
	}
	return nil
}

// TypeAccessoryInformation is the well-known service type URI every
// accessory's first service must use.
const TypeAccessoryInformation = "0000003E-0000-1000-8000-0026BB765291"

// TypeIdentify and TypeName are the two characteristic type URIs the
// AccessoryInformation service is required to carry.
const (
	TypeIdentify = "00000014-0000-1000-8000-0026BB765291"
	TypeName     = "00000023-0000-1000-8000-0026BB765291"
)

// Validate checks the AccessoryInformation invariant of spec.md §3 for the
// first accessory in a tree. Called once by the server at construction.
func Validate(accessories []*Accessory) error {
	if len(accessories) == 0 {
		return fmt.Errorf("accessory: at least one accessory is required")
	}
	first := accessories[0]
	if len(first.Services) == 0 || first.Services[0].Type != TypeAccessoryInformation {
		return fmt.Errorf("accessory: first accessory's first service must be AccessoryInformation")
	}
	info := first.Services[0]
	var haveIdentify, haveName bool
	for _, c := range info.Characteristics {
		switch c.Type {
		case TypeIdentify:
			haveIdentify = true
		case TypeName:
			haveName = true
		}
	}
	if !haveIdentify || !haveName {
		return fmt.Errorf("accessory: AccessoryInformation service must include Identify and Name characteristics")
	}
	seenAID := map[uint64]bool{}
	for _, acc := range accessories {
		if seenAID[acc.AID] {
			return fmt.Errorf("accessory: duplicate aid %d", acc.AID)
		}
		seenAID[acc.AID] = true
		seenIID := map[uint64]bool{}
		for _, s := range acc.Services {
			if seenIID[s.IID] {
				return fmt.Errorf("accessory: duplicate iid %d in accessory %d", s.IID, acc.AID)
			}
			seenIID[s.IID] = true
			for _, c := range s.Characteristics {
				if seenIID[c.IID] {
					return fmt.Errorf("accessory: duplicate iid %d in accessory %d", c.IID, acc.AID)
				}
				seenIID[c.IID] = true
			}
		}
	}
	return nil
}

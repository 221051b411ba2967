// Package tlv8 implements Apple's TLV8 encoding: a sequence of
// (type:1, length:1, value:length) tuples used by every HAP pairing
// endpoint.
package tlv8

import "fmt"

// Recognized type tags (tor-spec's cell command constants are the model
// for this block: one named uint8 per wire value).
const (
	Method        uint8 = 0
	Identifier    uint8 = 1
	Salt          uint8 = 2
	PublicKey     uint8 = 3
	Proof         uint8 = 4
	EncryptedData uint8 = 5
	State         uint8 = 6
	Error         uint8 = 7
	RetryDelay    uint8 = 8
	Certificate   uint8 = 9
	Signature     uint8 = 10
	Permissions   uint8 = 11
	FragmentData  uint8 = 13
	FragmentLast  uint8 = 14
	Separator     uint8 = 0xFF
)

// maxFragment is the largest value length a single TLV tuple can carry
// before the encoder must split it into same-type fragments.
const maxFragment = 255

// Error codes carried in an Error TLV.
type ErrorCode uint8

const (
	ErrorUnknown        ErrorCode = 1
	ErrorAuthentication ErrorCode = 2
	ErrorBackoff        ErrorCode = 3
	ErrorMaxPeers       ErrorCode = 4
	ErrorMaxTries       ErrorCode = 5
	ErrorUnavailable    ErrorCode = 6
	ErrorBusy           ErrorCode = 7
)

// Item is a single decoded logical TLV value (fragments already
// concatenated).
type Item struct {
	Type  uint8
	Value []byte
}

// Container is an ordered set of items making up one TLV8 message.
// Separator(0xFF) entries split a Container into logical records (used
// by ListPairings); callers that need that split use SplitRecords.
type Container []Item

// Get returns the value of the first item with the given type, or nil
// and false if absent.
func (c Container) Get(t uint8) ([]byte, bool) {
	for _, it := range c {
		if it.Type == t {
			return it.Value, true
		}
	}
	return nil, false
}

// GetByte returns the first byte of the named item, or an error if the
// item is absent or empty. State and Method and Error TLVs are all
// single-byte integers in HAP.
func (c Container) GetByte(t uint8) (uint8, error) {
	v, ok := c.Get(t)
	if !ok || len(v) == 0 {
		return 0, fmt.Errorf("tlv8: missing type %d", t)
	}
	return v[0], nil
}

// Add appends an item, encoded later as one or more fragments.
func (c *Container) Add(t uint8, v []byte) {
	*c = append(*c, Item{Type: t, Value: v})
}

// AddByte appends a single-byte integer item.
func (c *Container) AddByte(t uint8, v uint8) {
	c.Add(t, []byte{v})
}

// Encode serializes the container, fragmenting any value longer than
// 255 bytes into consecutive same-type tuples as required by the wire
// format.
func Encode(c Container) []byte {
	var out []byte
	for _, it := range c {
		if len(it.Value) == 0 {
			out = append(out, it.Type, 0)
			continue
		}
		remaining := it.Value
		for len(remaining) > 0 {
			n := len(remaining)
			if n > maxFragment {
				n = maxFragment
			}
			out = append(out, it.Type, uint8(n))
			out = append(out, remaining[:n]...)
			remaining = remaining[n:]
		}
	}
	return out
}

// Decode parses a TLV8 byte stream, concatenating adjacent same-type
// fragments into a single logical Item in the order they first appear.
func Decode(data []byte) (Container, error) {
	var out Container
	// index in out of the last item emitted for a given type, so that
	// immediately-adjacent fragments of the same type merge. A
	// non-adjacent repeat of the same type (e.g. across a Separator, or
	// a genuinely repeated record) starts a new logical item instead.
	lastType := -1
	lastIdx := -1

	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("tlv8: truncated header at offset %d", pos)
		}
		t := data[pos]
		l := int(data[pos+1])
		pos += 2
		if pos+l > len(data) {
			return nil, fmt.Errorf("tlv8: truncated value at offset %d (type %d, len %d)", pos, t, l)
		}
		v := data[pos : pos+l]
		pos += l

		if int(t) == lastType {
			// lastType is only left set when the previous tuple was a
			// full 255-byte fragment still awaiting its terminator, so
			// this tuple - whatever its own length - is a continuation
			// and always merges into the open item.
			out[lastIdx].Value = append(out[lastIdx].Value, v...)
			if l < maxFragment {
				lastType = -1
			}
			continue
		}

		out = append(out, Item{Type: t, Value: append([]byte(nil), v...)})
		lastIdx = len(out) - 1
		lastType = int(t)
		if l < maxFragment {
			// A short fragment always terminates the logical value, so
			// the next tuple (even of the same type) cannot be merged.
			lastType = -1
		}
	}
	return out, nil
}

// SplitRecords splits a container at Separator(0xFF) boundaries, as used
// by ListPairings. The separators themselves are dropped.
func SplitRecords(c Container) []Container {
	var records []Container
	var cur Container
	for _, it := range c {
		if it.Type == Separator {
			records = append(records, cur)
			cur = nil
			continue
		}
		cur = append(cur, it)
	}
	if len(cur) > 0 || len(records) == 0 {
		records = append(records, cur)
	}
	return records
}

// JoinRecords concatenates records with Separator(0xFF) tuples between
// them.
func JoinRecords(records []Container) Container {
	var out Container
	for i, r := range records {
		if i > 0 {
			out = append(out, Item{Type: Separator})
		}
		out = append(out, r...)
	}
	return out
}

// EncodeUint encodes v in the minimal number of bytes (1, 2, 4, or 8),
// little-endian, as HAP's integer TLV values require.
func EncodeUint(v uint64) []byte {
	switch {
	case v <= 0xFF:
		return []byte{uint8(v)}
	case v <= 0xFFFF:
		return []byte{uint8(v), uint8(v >> 8)}
	case v <= 0xFFFFFFFF:
		return []byte{uint8(v), uint8(v >> 8), uint8(v >> 16), uint8(v >> 24)}
	default:
		b := make([]byte, 8)
		for i := range b {
			b[i] = uint8(v >> (8 * i))
		}
		return b
	}
}

// DecodeUint decodes a little-endian integer of length 1, 2, 4, or 8
// bytes, zero-extending to uint64.
func DecodeUint(b []byte) (uint64, error) {
	switch len(b) {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("tlv8: invalid integer length %d", len(b))
	}
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}
	return v, nil
}

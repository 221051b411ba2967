// Package mdns defines the external mDNS/DNS-SD advertisement collaborator
// (spec.md §6): an interface the core calls with a TXT-record snapshot, and
// a builder/validator for that snapshot. No DNS-SD wire protocol is
// implemented here, matching spec.md's explicit non-goal — this package is
// pure data shaping for whatever publisher the application supplies.
package mdns

import "fmt"

// Category is the HAP accessory category advertised in the "ci" TXT key.
type Category int

const (
	CategoryOther            Category = 1
	CategoryBridge           Category = 2
	CategoryLightbulb        Category = 5
	CategorySwitch           Category = 8
	CategoryThermostat       Category = 9
	CategorySensor           Category = 10
	CategorySecuritySystem   Category = 11
	CategoryDoorLock         Category = 6
	CategoryGarageDoorOpener Category = 4
)

// TXTRecord is the required key set spec.md §6 mandates for the "_hap._tcp"
// service advertisement.
type TXTRecord struct {
	ModelName    string   // md
	ProtoVersion string   // pv, always "1.0"
	AccessoryID  string   // id
	ConfigNumber uint64   // c#
	StateNumber  string   // s#, always "1"
	FeatureFlags string   // ff, "0" unless MFi/pairing features are advertised
	StatusFlags  string   // sf, "1" unbonded / "0" paired
	Category     Category // ci
}

// maxTXTEntryLen is the DNS TXT per-string limit spec.md §6 enforces: each
// "key=value" entry must fit in one string.
const maxTXTEntryLen = 255

// Publisher is the external mDNS collaborator: given a service name, port,
// and a validated TXT record, it advertises "_hap._tcp" with a 60-second
// TTL. Implementations are platform-specific (Avahi, Bonjour, an embedded
// mDNS responder); none is provided here.
type Publisher interface {
	Publish(name string, port uint16, txt TXTRecord) error
	Unpublish() error
}

// BuildTXTRecord assembles the TXT map from a record and the accessory's
// current paired state, validating every entry against the 255-byte limit.
func BuildTXTRecord(accessoryID string, configNumber uint64, category Category, paired bool) (TXTRecord, error) {
	sf := "1"
	if paired {
		sf = "0"
	}
	rec := TXTRecord{
		ModelName:    "HAP-Go",
		ProtoVersion: "1.0",
		AccessoryID:  accessoryID,
		ConfigNumber: configNumber,
		StateNumber:  "1",
		FeatureFlags: "0",
		StatusFlags:  sf,
		Category:     category,
	}
	if err := rec.Validate(); err != nil {
		return TXTRecord{}, err
	}
	return rec, nil
}

// Validate checks every entry fits the DNS TXT per-string limit.
func (r TXTRecord) Validate() error {
	for k, v := range r.entries() {
		if len(k)+1+len(v) > maxTXTEntryLen {
			return fmt.Errorf("mdns: TXT entry %q exceeds %d bytes", k, maxTXTEntryLen)
		}
	}
	if r.AccessoryID == "" {
		return fmt.Errorf("mdns: AccessoryID is required")
	}
	return nil
}

// Entries returns the TXT record as key=value pairs, in the order spec.md
// §6 lists them.
func (r TXTRecord) Entries() []string {
	m := r.entries()
	order := []string{"md", "pv", "id", "c#", "s#", "ff", "sf", "ci"}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return out
}

func (r TXTRecord) entries() map[string]string {
	return map[string]string{
		"md": r.ModelName,
		"pv": r.ProtoVersion,
		"id": r.AccessoryID,
		"c#": fmt.Sprintf("%d", r.ConfigNumber),
		"s#": r.StateNumber,
		"ff": r.FeatureFlags,
		"sf": r.StatusFlags,
		"ci": fmt.Sprintf("%d", r.Category),
	}
}

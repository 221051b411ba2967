package accessory

import "testing"

func newInfoAccessory(aid uint64) *Accessory {
	info := &Service{
		IID:  1,
		Type: TypeAccessoryInformation,
		Characteristics: []*Characteristic{
			NewCharacteristic(2, TypeIdentify, FormatBool, PermissionPairedWrite, StaticValue(false), Constraints{}),
			NewCharacteristic(3, TypeName, FormatString, PermissionPairedRead, StaticValue("Lamp"), Constraints{}),
		},
	}
	return &Accessory{AID: aid, Services: []*Service{info}}
}

func TestValidateRequiresAccessoryInformation(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for empty accessory list")
	}
	bad := &Accessory{AID: 1, Services: []*Service{{IID: 1, Type: "not-info"}}}
	if err := Validate([]*Accessory{bad}); err == nil {
		t.Fatal("expected error for missing AccessoryInformation")
	}
	if err := Validate([]*Accessory{newInfoAccessory(1)}); err != nil {
		t.Fatalf("expected valid tree, got %v", err)
	}
}

func TestValidateRejectsDuplicateIIDs(t *testing.T) {
	acc := newInfoAccessory(1)
	dup := &Service{IID: 1, Type: "x"} // reuses iid 1 from the info service
	acc.Services = append(acc.Services, dup)
	if err := Validate([]*Accessory{acc}); err == nil {
		t.Fatal("expected duplicate iid error")
	}
}

// TestReadOnlyLawHoldsForEveryWrite reproduces spec.md §8's "a write to a
// characteristic without paired_write always returns ReadOnly".
func TestReadOnlyLawHoldsForEveryWrite(t *testing.T) {
	c := NewCharacteristic(10, "x", FormatBool, PermissionPairedRead, StaticValue(true), Constraints{})
	if st := c.Set(1, true); st != StatusReadOnly {
		t.Fatalf("expected ReadOnly, got %v", st)
	}
}

// TestWriteOnlyLawHoldsForEveryRead reproduces the symmetric law: a read
// from a characteristic without paired_read always returns WriteOnly.
func TestWriteOnlyLawHoldsForEveryRead(t *testing.T) {
	c := NewCharacteristic(10, "x", FormatBool, PermissionPairedWrite, StaticValue(false), Constraints{})
	if _, st := c.Get(); st != StatusWriteOnly {
		t.Fatalf("expected WriteOnly, got %v", st)
	}
}

// TestNotificationsUnsupportedLaw reproduces the third permission law: a
// notify subscription on a characteristic without notify always fails.
func TestNotificationsUnsupportedLaw(t *testing.T) {
	c := NewCharacteristic(10, "x", FormatBool, PermissionPairedRead, StaticValue(true), Constraints{})
	if st := c.Subscribe(1); st != StatusNotificationsUnsupported {
		t.Fatalf("expected NotificationsUnsupported, got %v", st)
	}
}

func TestNumericBoundsEnforced(t *testing.T) {
	minV, maxV := 0.0, 100.0
	c := NewCharacteristic(10, "x", FormatInt, PermissionPairedRead|PermissionPairedWrite, StaticValue(float64(0)),
		Constraints{MinValue: &minV, MaxValue: &maxV})

	if st := c.Set(1, float64(150)); st != StatusInvalidValue {
		t.Fatalf("expected InvalidValue for out-of-range write, got %v", st)
	}
	if st := c.Set(1, float64(42)); st != StatusSuccess {
		t.Fatalf("expected success, got %v", st)
	}
	v, st := c.Get()
	if st != StatusSuccess || v.(float64) != 42 {
		t.Fatalf("expected 42, got %v (%v)", v, st)
	}
}

func TestStringMaxLenEnforced(t *testing.T) {
	maxLen := 4
	c := NewCharacteristic(10, "x", FormatString, PermissionPairedWrite, StaticValue(""), Constraints{MaxLen: &maxLen})
	if st := c.Set(1, "toolong"); st != StatusInvalidValue {
		t.Fatalf("expected InvalidValue, got %v", st)
	}
	if st := c.Set(1, "ok"); st != StatusSuccess {
		t.Fatalf("expected success, got %v", st)
	}
}

type fakeNotifier struct {
	aid, iid uint64
	value    interface{}
	subs     []uint64
	calls    int
}

func (f *fakeNotifier) NotifyChange(aid, iid uint64, value interface{}, subs []uint64) {
	f.aid, f.iid, f.value, f.subs = aid, iid, value, subs
	f.calls++
}

// TestEventDeliveryToSubscriber reproduces spec.md §8 scenario S5: a
// subscribed session receives exactly one notification when the value
// transitions.
func TestEventDeliveryToSubscriber(t *testing.T) {
	c := NewCharacteristic(4, "x", FormatInt, PermissionPairedRead|PermissionNotify, StaticValue(float64(0)), Constraints{})
	n := &fakeNotifier{}
	c.SetNotifier(n)

	if st := c.Subscribe(7); st != StatusSuccess {
		t.Fatalf("subscribe failed: %v", st)
	}
	if st := c.PushValue(1, float64(42)); st != StatusSuccess {
		t.Fatalf("push failed: %v", st)
	}
	if n.calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", n.calls)
	}
	if n.aid != 1 || n.iid != 4 || n.value.(float64) != 42 {
		t.Fatalf("unexpected notification payload: aid=%d iid=%d value=%v", n.aid, n.iid, n.value)
	}
	if len(n.subs) != 1 || n.subs[0] != 7 {
		t.Fatalf("expected subscriber [7], got %v", n.subs)
	}

	c.Unsubscribe(7)
	n.calls = 0
	c.PushValue(1, float64(43))
	if n.calls != 0 {
		t.Fatal("expected no notification after unsubscribe")
	}
}

func TestFindCharacteristic(t *testing.T) {
	acc := newInfoAccessory(1)
	if c := acc.FindCharacteristic(3); c == nil || c.Type != TypeName {
		t.Fatal("expected to find Name characteristic at iid 3")
	}
	if c := acc.FindCharacteristic(99); c != nil {
		t.Fatal("expected nil for unknown iid")
	}
}

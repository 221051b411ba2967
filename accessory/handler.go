package accessory

import "fmt"

// Handler is the tagged-variant replacement for the reference
// implementation's single function-pointer slot cast to whatever signature
// the declared format implied (spec.md §9). Both constructors below return
// a Handler whose get/set pair passes values as interface{}, so nothing is
// cast to a format-specific signature. Neither checks its values against
// the characteristic's format at registration: checkFormat accepts every
// format. Written values are type-checked by Characteristic.validate;
// values returned by a Callback getter are not checked.
type Handler interface {
	get() (interface{}, error)
	set(interface{}) error
	checkFormat(Format) error
}

// StaticValue returns a Handler backed by an in-process value with no
// application callback: get returns the last-written value, set stores it.
// Used for characteristics like Name that never change after registration,
// and as the default backing store for simple read/write characteristics.
func StaticValue(initial interface{}) Handler {
	return &staticHandler{value: initial}
}

type staticHandler struct {
	value interface{}
}

func (h *staticHandler) get() (interface{}, error) { return h.value, nil }
func (h *staticHandler) set(v interface{}) error   { h.value = v; return nil }
func (h *staticHandler) checkFormat(Format) error  { return nil }

// Callback returns a Handler that delegates every read/write to application
// code. Either getter or setter may be nil — a nil getter makes the
// characteristic effectively write-only at the handler level (the
// permission bitset is still the authority the dispatcher checks first);
// a nil setter analogously makes it read-only at the handler level.
func Callback(getter func() (interface{}, error), setter func(interface{}) error) Handler {
	return &callbackHandler{getter: getter, setter: setter}
}

type callbackHandler struct {
	getter func() (interface{}, error)
	setter func(interface{}) error
}

func (h *callbackHandler) get() (interface{}, error) {
	if h.getter == nil {
		return nil, fmt.Errorf("accessory: characteristic has no getter")
	}
	return h.getter()
}

func (h *callbackHandler) set(v interface{}) error {
	if h.setter == nil {
		return fmt.Errorf("accessory: characteristic has no setter")
	}
	return h.setter(v)
}

func (h *callbackHandler) checkFormat(Format) error { return nil }

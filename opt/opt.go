// Package opt provides a value that may be absent.
//
// It exists so that "no data" is never encoded in-band.  A present float may
// still be NaN; that is a measurement, not a missing one.
package opt

import (
	"encoding/json"
	"fmt"
	"math"
)

// Value holds a T that is either present or absent.  The zero Value is absent.
type Value[T any] struct {
	v  T
	ok bool
}

// Some returns a present Value holding v
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// None returns an absent Value
func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the held value and whether it is present
func (o Value[T]) Get() (T, bool) {
	return o.v, o.ok
}

// Present is true if the value was set
func (o Value[T]) Present() bool {
	return o.ok
}

// Or returns the held value, or def if absent
func (o Value[T]) Or(def T) T {
	if o.ok {
		return o.v
	}
	return def
}

// Else returns o if present, otherwise other
func (o Value[T]) Else(other Value[T]) Value[T] {
	if o.ok {
		return o
	}
	return other
}

func (o Value[T]) String() string {
	if !o.ok {
		return "<none>"
	}
	return fmt.Sprint(o.v)
}

// MarshalJSON encodes an absent value as null.  JSON has no NaN, so a present
// NaN float is encoded as the string "NaN".
func (o Value[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	if f, isF := any(o.v).(float64); isF && math.IsNaN(f) {
		return []byte(`"NaN"`), nil
	}
	return json.Marshal(o.v)
}

// UnmarshalJSON decodes null as absent
func (o *Value[T]) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = Value[T]{}
		return nil
	}
	if string(b) == `"NaN"` {
		if nan, isF := any(math.NaN()).(T); isF {
			*o = Some(nan)
			return nil
		}
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

package shylock

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	scannerType = reflect.TypeFor[sql.Scanner]()
	valuerType  = reflect.TypeFor[driver.Valuer]()
	timeType    = reflect.TypeFor[time.Time]()
)

// timeLayouts are tried in order when a time.Time field receives text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ConversionError reports a column value that could not be assigned to its
// field. Err wraps ErrUnsupportedConversion, ErrOverflow, a strconv/time
// parse error or the error of a sql.Scanner.
type ConversionError struct {
	Column string
	Field  string
	From   reflect.Type // nil when the value was NULL
	To     reflect.Type
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("shylock: column %q into field %s (%v -> %v): %v", e.Column, e.Field, e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// assign converts the driver value src and stores it in dst.
//
//   - sql.Scanner fields receive src as is, NULL included.
//   - NULL leaves every other field at its zero value.
//   - pointer fields get a freshly allocated, converted element.
//   - everything else goes through the per-kind conversion below; a pair
//     without a rule is ErrUnsupportedConversion and a value that does not
//     fit the field is ErrOverflow.
func assign(dst reflect.Value, src any) error {
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(src)
	}
	if src == nil {
		dst.SetZero()
		return nil
	}

	switch dst.Kind() {
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), src); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Interface:
		if b, ok := src.([]byte); ok {
			src = bytes.Clone(b)
		}
		sv := reflect.ValueOf(src)
		if !sv.Type().AssignableTo(dst.Type()) {
			return unsupported(src, dst.Type())
		}
		dst.Set(sv)
		return nil
	}

	if dst.Type() == timeType {
		return assignTime(dst, src)
	}

	sv := reflect.ValueOf(src)
	switch dst.Kind() {
	case reflect.Bool:
		return assignBool(dst, sv)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return assignInt(dst, sv)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return assignUint(dst, sv)
	case reflect.Float32, reflect.Float64:
		return assignFloat(dst, sv)
	case reflect.String:
		return assignString(dst, src, sv)
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			return assignBytes(dst, sv)
		}
	}
	return unsupported(src, dst.Type())
}

func assignBool(dst, sv reflect.Value) error {
	switch {
	case sv.Kind() == reflect.Bool:
		dst.SetBool(sv.Bool())
	case isInt(sv.Kind()):
		switch sv.Int() {
		case 0:
			dst.SetBool(false)
		case 1:
			dst.SetBool(true)
		default:
			return overflow(sv.Interface(), dst.Type())
		}
	case isUint(sv.Kind()):
		switch sv.Uint() {
		case 0:
			dst.SetBool(false)
		case 1:
			dst.SetBool(true)
		default:
			return overflow(sv.Interface(), dst.Type())
		}
	default:
		s, ok := textOf(sv)
		if !ok {
			return unsupported(sv.Interface(), dst.Type())
		}
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		dst.SetBool(b)
	}
	return nil
}

func assignInt(dst, sv reflect.Value) error {
	var n int64
	switch {
	case isInt(sv.Kind()):
		n = sv.Int()
	case isUint(sv.Kind()):
		u := sv.Uint()
		if u > math.MaxInt64 {
			return overflow(u, dst.Type())
		}
		n = int64(u)
	case isFloat(sv.Kind()):
		f := sv.Float()
		if f != math.Trunc(f) || math.IsNaN(f) {
			return unsupported(f, dst.Type())
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return overflow(f, dst.Type())
		}
		n = int64(f)
	case sv.Kind() == reflect.Bool:
		if sv.Bool() {
			n = 1
		}
	default:
		s, ok := textOf(sv)
		if !ok {
			return unsupported(sv.Interface(), dst.Type())
		}
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, dst.Type().Bits())
		if errors.Is(err, strconv.ErrRange) {
			return overflow(s, dst.Type())
		}
		if err != nil {
			return err
		}
		n = v
	}
	if dst.OverflowInt(n) {
		return overflow(n, dst.Type())
	}
	dst.SetInt(n)
	return nil
}

func assignUint(dst, sv reflect.Value) error {
	var u uint64
	switch {
	case isUint(sv.Kind()):
		u = sv.Uint()
	case isInt(sv.Kind()):
		n := sv.Int()
		if n < 0 {
			return overflow(n, dst.Type())
		}
		u = uint64(n)
	case isFloat(sv.Kind()):
		f := sv.Float()
		if f != math.Trunc(f) || math.IsNaN(f) {
			return unsupported(f, dst.Type())
		}
		if f < 0 || f >= math.MaxUint64 {
			return overflow(f, dst.Type())
		}
		u = uint64(f)
	case sv.Kind() == reflect.Bool:
		if sv.Bool() {
			u = 1
		}
	default:
		s, ok := textOf(sv)
		if !ok {
			return unsupported(sv.Interface(), dst.Type())
		}
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, dst.Type().Bits())
		if errors.Is(err, strconv.ErrRange) {
			return overflow(s, dst.Type())
		}
		if err != nil {
			return err
		}
		u = v
	}
	if dst.OverflowUint(u) {
		return overflow(u, dst.Type())
	}
	dst.SetUint(u)
	return nil
}

func assignFloat(dst, sv reflect.Value) error {
	var f float64
	switch {
	case isFloat(sv.Kind()):
		f = sv.Float()
	case isInt(sv.Kind()):
		f = float64(sv.Int())
	case isUint(sv.Kind()):
		f = float64(sv.Uint())
	default:
		s, ok := textOf(sv)
		if !ok {
			return unsupported(sv.Interface(), dst.Type())
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), dst.Type().Bits())
		if errors.Is(err, strconv.ErrRange) {
			return overflow(s, dst.Type())
		}
		if err != nil {
			return err
		}
		f = v
	}
	if dst.OverflowFloat(f) {
		return overflow(f, dst.Type())
	}
	dst.SetFloat(f)
	return nil
}

func assignString(dst reflect.Value, src any, sv reflect.Value) error {
	if t, ok := src.(time.Time); ok {
		dst.SetString(t.Format(time.RFC3339Nano))
		return nil
	}
	switch {
	case isInt(sv.Kind()):
		dst.SetString(strconv.FormatInt(sv.Int(), 10))
	case isUint(sv.Kind()):
		dst.SetString(strconv.FormatUint(sv.Uint(), 10))
	case isFloat(sv.Kind()):
		dst.SetString(strconv.FormatFloat(sv.Float(), 'g', -1, sv.Type().Bits()))
	case sv.Kind() == reflect.Bool:
		dst.SetString(strconv.FormatBool(sv.Bool()))
	default:
		s, ok := textOf(sv)
		if !ok {
			return unsupported(src, dst.Type())
		}
		dst.SetString(s)
	}
	return nil
}

func assignBytes(dst, sv reflect.Value) error {
	switch {
	case sv.Kind() == reflect.String:
		dst.SetBytes([]byte(sv.String()))
	case sv.Kind() == reflect.Slice && sv.Type().Elem().Kind() == reflect.Uint8:
		dst.SetBytes(bytes.Clone(sv.Bytes()))
	default:
		return unsupported(sv.Interface(), dst.Type())
	}
	return nil
}

func assignTime(dst reflect.Value, src any) error {
	switch v := src.(type) {
	case time.Time:
		dst.Set(reflect.ValueOf(v))
		return nil
	case string:
		return parseTime(dst, v)
	case []byte:
		return parseTime(dst, string(v))
	}
	return unsupported(src, dst.Type())
}

func parseTime(dst reflect.Value, s string) error {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			dst.Set(reflect.ValueOf(t))
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// textOf returns the text held by a string or byte slice value.
func textOf(sv reflect.Value) (string, bool) {
	switch {
	case sv.Kind() == reflect.String:
		return sv.String(), true
	case sv.Kind() == reflect.Slice && sv.Type().Elem().Kind() == reflect.Uint8:
		return string(sv.Bytes()), true
	}
	return "", false
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func unsupported(src any, to reflect.Type) error {
	return fmt.Errorf("%w: %T to %s", ErrUnsupportedConversion, src, to)
}

func overflow(src any, to reflect.Type) error {
	return fmt.Errorf("%w: %v does not fit %s", ErrOverflow, src, to)
}

package shylock

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// scalar is a wrapper to force scalar binding semantics.
type scalar struct {
	v any
}

// Scalar wraps a value to force it to be bound as a single argument even if
// it is a slice or array. Useful for ANY(:ids)-style idioms.
func Scalar(v any) any {
	return scalar{v: v}
}

// namedArg is one parameter in its binding order.
type namedArg struct {
	name  string
	value any
}

// paramSource resolves parameters by name (statement text) or lists them in
// binding order (procedure calls). lookup reports false for an unknown name
// and ErrFieldAmbiguous when name only folds onto several parameters.
// ordered reports whether its order is declared by the caller rather than
// derived from the names.
type paramSource interface {
	lookup(name string) (any, bool, error)
	ordered() ([]namedArg, bool)
}

// binder accumulates the rewritten statement and its positional arguments.
type binder struct {
	dialect Dialect
	config  Config
	buf     strings.Builder
	args    []any
}

// parse rewrites :name and @name placeholders in q into the dialect's
// positional placeholders, resolving values from src. Quoted literals,
// quoted identifiers and comments are copied untouched. An unresolved :name
// is an error; an unresolved @name is copied verbatim so server variables
// such as @@ROWCOUNT or MySQL user variables survive.
func parse(dialect Dialect, q string, src paramSource, config Config) (string, []any, error) {
	b := &binder{
		dialect: dialect,
		config:  config,
		args:    make([]any, 0, strings.Count(q, ":")+strings.Count(q, "@")),
	}
	b.buf.Grow(len(q) + 16)

	for i := 0; i < len(q); {
		if end, ok := literalEnd(dialect, q, i); ok {
			b.buf.WriteString(q[i:end])
			i = end
			continue
		}

		c := q[i]
		if !isParamStart(q, i) {
			b.buf.WriteByte(c)
			i++
			continue
		}

		k := i + 2
		for k < len(q) && isAlphaNumUnderscore(q[k]) {
			k++
		}
		name := q[i+1 : k]
		if config.MaxNameLen > 0 && len(name) > config.MaxNameLen {
			return "", nil, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), config.MaxNameLen)
		}

		v, ok, err := src.lookup(name)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			if c == '@' {
				b.buf.WriteString(q[i:k])
				i = k
				continue
			}
			return "", nil, fmt.Errorf("%w: %s", ErrParamMissing, name)
		}
		if err := b.value(name, v); err != nil {
			return "", nil, err
		}
		i = k
	}

	return b.buf.String(), b.args, nil
}

// value binds v, expanding slices and arrays into a comma-separated list.
// Scalar wrappers, driver.Valuer and byte slices always bind as one argument.
func (b *binder) value(name string, v any) error {
	switch t := v.(type) {
	case scalar:
		return b.add(t.v)
	case driver.Valuer, []byte:
		return b.add(v)
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return b.add(v)
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		if rv.Kind() == reflect.Slice {
			return b.add(rv.Bytes())
		}
		return b.add(v)
	}

	ln := rv.Len()
	if ln == 0 {
		return fmt.Errorf("%w: %s", ErrSliceEmpty, name)
	}
	if err := b.reserve(ln); err != nil {
		return err
	}
	for j := 0; j < ln; j++ {
		if j > 0 {
			b.buf.WriteString(", ")
		}
		if err := b.add(rv.Index(j).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// add appends one argument and writes its placeholder.
func (b *binder) add(v any) error {
	if err := b.reserve(1); err != nil {
		return err
	}
	b.args = append(b.args, v)
	writePlaceholder(&b.buf, b.dialect, len(b.args))
	return nil
}

// reserve fails if n more arguments would exceed MaxParams.
func (b *binder) reserve(n int) error {
	if b.config.MaxParams > 0 && len(b.args)+n > b.config.MaxParams {
		return fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, len(b.args)+n, b.config.MaxParams)
	}
	return nil
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(idx))
	case SQLServer:
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(idx))
	default: // MySQL, SQLite, Auto
		b.WriteByte('?')
	}
}

// isParamStart reports whether q[i] opens a :name or @name placeholder.
// Doubled markers (::type casts, @@globals) and markers glued to a preceding
// word (user@host) are not placeholders.
func isParamStart(q string, i int) bool {
	c := q[i]
	if c != ':' && c != '@' {
		return false
	}
	if i+1 >= len(q) || !isAlphaUnderscore(q[i+1]) {
		return false
	}
	if i > 0 {
		prev := q[i-1]
		if prev == c {
			return false
		}
		if c == '@' && isAlphaNumUnderscore(prev) {
			return false
		}
	}
	return true
}

// literalEnd reports whether a quoted literal, quoted identifier or comment
// starts at q[i] and, if so, returns the index just past its end.
func literalEnd(d Dialect, q string, i int) (int, bool) {
	c := q[i]
	switch {
	case c == '-' && i+1 < len(q) && q[i+1] == '-':
		return lineEnd(q, i+2), true
	case c == '#' && d == MySQL:
		return lineEnd(q, i+1), true
	case c == '/' && i+1 < len(q) && q[i+1] == '*':
		if j := strings.Index(q[i+2:], "*/"); j >= 0 {
			return i + 2 + j + 2, true
		}
		return len(q), true
	case c == '\'':
		return quotedEnd(q, i, '\'', true), true
	case c == '"':
		return quotedEnd(q, i, '"', true), true
	case c == '`' && (d == MySQL || d == SQLite):
		return quotedEnd(q, i, '`', false), true
	case c == '[' && d == SQLServer:
		return quotedEnd(q, i, ']', false), true
	case c == '$':
		if tag, ok := readDollarTag(q[i:]); ok {
			body := i + len(tag)
			if j := strings.Index(q[body:], tag); j >= 0 {
				return body + j + len(tag), true
			}
			return len(q), true
		}
	}
	return i, false
}

// quotedEnd returns the index after the closing quote of the literal opened
// at q[i]. A doubled closing quote is an escaped quote.
func quotedEnd(q string, i int, closing byte, backslash bool) int {
	for j := i + 1; j < len(q); j++ {
		ch := q[j]
		if backslash && ch == '\\' {
			j++
			continue
		}
		if ch == closing {
			if j+1 < len(q) && q[j+1] == closing {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(q)
}

// lineEnd returns the index after the end of the line that contains q[i].
func lineEnd(q string, i int) int {
	if j := strings.IndexAny(q[i:], "\r\n"); j >= 0 {
		return i + j + 1
	}
	return len(q)
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// --------------------------------
// Sources
// --------------------------------

// mapSource resolves parameters from a name → value map. Names are stored
// without their '@' or ':' marker.
type mapSource map[string]any

// newMapSource normalizes the keys of p.
func newMapSource(p P) mapSource {
	m := make(mapSource, len(p))
	for k, v := range p {
		m[trimMarker(k)] = v
	}
	return m
}

// lookup matches the key exactly, then case-insensitively.
func (m mapSource) lookup(name string) (any, bool, error) {
	if v, ok := m[name]; ok {
		return v, true, nil
	}
	keys := m.keys()
	switch i := matchName(name, len(keys), func(j int) string { return keys[j] }); i {
	case -1:
		return nil, false, nil
	case -2:
		return nil, false, fmt.Errorf("%w: %q matches several parameters", ErrFieldAmbiguous, name)
	default:
		return m[keys[i]], true, nil
	}
}

// keys returns the parameter names in sorted order.
func (m mapSource) keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ordered returns the parameters sorted by name.
func (m mapSource) ordered() ([]namedArg, bool) {
	out := make([]namedArg, 0, len(m))
	for _, k := range m.keys() {
		out = append(out, namedArg{name: k, value: m[k]})
	}
	return out, false
}

// structSource resolves parameters from the fields of a struct value.
type structSource struct {
	v      reflect.Value
	fields []field
}

// lookup matches the field name exactly, then case-insensitively.
func (s structSource) lookup(name string) (any, bool, error) {
	i := matchName(name, len(s.fields), func(j int) string { return s.fields[j].name })
	switch i {
	case -1:
		return nil, false, nil
	case -2:
		return nil, false, fmt.Errorf("%w: %q matches several fields of %s", ErrFieldAmbiguous, name, s.v.Type())
	}
	f := s.fields[i]
	v := s.value(f)
	if f.scalar {
		return scalar{v: v}, true, nil
	}
	return v, true, nil
}

// ordered returns the fields in declaration order.
func (s structSource) ordered() ([]namedArg, bool) {
	out := make([]namedArg, len(s.fields))
	for i, f := range s.fields {
		out[i] = namedArg{name: f.name, value: s.value(f)}
	}
	return out, true
}

// value reads field f. A field promoted through a nil embedded pointer is nil.
func (s structSource) value(f field) any {
	v, ok := fieldByIndexRead(s.v, f.index)
	if !ok {
		return nil
	}
	return paramValue(v)
}

// newEntitySource builds the parameter source of a write entity: a struct,
// a pointer to one, or a map with string keys.
func newEntitySource(v reflect.Value) (paramSource, error) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, ErrEmptyEntity
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		fields, err := structFields(v.Type())
		if err != nil {
			return nil, err
		}
		return structSource{v: v, fields: fields}, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(mapSource, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			m[trimMarker(iter.Key().String())] = paramValue(iter.Value())
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type())
}

// paramValue returns the value to bind for v: nil for nil pointers and
// interfaces, the pointee otherwise. Pointers implementing driver.Valuer are
// kept as they are.
func paramValue(v reflect.Value) any {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer && v.Type().Implements(valuerType) {
			return v.Interface()
		}
		v = v.Elem()
	}
	return v.Interface()
}

// trimMarker strips a leading '@' or ':' from a parameter name.
func trimMarker(name string) string {
	if name != "" && (name[0] == '@' || name[0] == ':') {
		return name[1:]
	}
	return name
}

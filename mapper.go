package shylock

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
)

// recordKind classifies the shape of a record type.
type recordKind uint8

const (
	rkStruct    recordKind = iota // T is a struct
	rkStructPtr                   // T is *struct, a new struct is allocated per row
	rkMap                         // T is map[string]any, one key per column
)

// field is one mapped struct field: its column/parameter name and its index
// path from the record struct, embedded pointers included.
type field struct {
	name   string
	index  []int
	scalar bool
}

// recordPlan describes how rows map onto T. It is built once per call and
// reused for every row of that call.
type recordPlan struct {
	kind   recordKind
	typ    reflect.Type // T
	base   reflect.Type // struct type for rkStruct and rkStructPtr
	fields []field
}

// newRecordPlan validates t as a record type and lists its fields.
func newRecordPlan(t reflect.Type) (*recordPlan, error) {
	p := &recordPlan{typ: t}
	switch {
	case t.Kind() == reflect.Struct:
		p.kind, p.base = rkStruct, t
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		p.kind, p.base = rkStructPtr, t.Elem()
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String && t.Elem().Kind() == reflect.Interface && t.Elem().NumMethod() == 0:
		p.kind = rkMap
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	fields, err := structFields(p.base)
	if err != nil {
		return nil, err
	}
	p.fields = fields
	return p, nil
}

// structFields lists the exported fields of t in declaration order.
// Fields take their name from the `db` tag when present (`db:"-"` skips the
// field, `db:"name,scalar"` disables slice expansion when binding).
// Untagged embedded structs and struct pointers are flattened; time.Time and
// sql.Scanner implementations are leaves.
func structFields(t reflect.Type) ([]field, error) {
	var out []field
	seen := make(map[string]bool, t.NumField())
	// types on the current embedding path; a type embedding itself through a
	// pointer is walked once
	visiting := map[reflect.Type]bool{}

	var walk func(rt reflect.Type, path []int) error
	walk = func(rt reflect.Type, path []int) error {
		visiting[rt] = true
		defer delete(visiting, rt)
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			if f.Anonymous && tag == "" && shouldFlatten(f.Type) {
				ft := f.Type
				if ft.Kind() == reflect.Pointer {
					ft = ft.Elem()
				}
				if visiting[ft] {
					continue
				}
				if err := walk(ft, appendIndex(path, i)); err != nil {
					return err
				}
				continue
			}
			if !f.IsExported() {
				continue
			}

			name, opts, _ := strings.Cut(tag, ",")
			if name == "" {
				name = f.Name
			}
			if seen[name] {
				return fmt.Errorf("%w: %q in %s", ErrFieldAmbiguous, name, t)
			}
			seen[name] = true
			out = append(out, field{
				name:   name,
				index:  appendIndex(path, i),
				scalar: strings.TrimSpace(opts) == "scalar",
			})
		}
		return nil
	}

	if err := walk(t, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// shouldFlatten reports whether an embedded field of type ft (a struct or a
// pointer to one) contributes its own fields.
func shouldFlatten(ft reflect.Type) bool {
	if ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	return ft.Kind() == reflect.Struct && !isLeafStruct(ft)
}

// isLeafStruct reports whether a struct type is mapped as a single value.
func isLeafStruct(t reflect.Type) bool {
	return t == timeType || reflect.PointerTo(t).Implements(scannerType)
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// fieldByIndexAlloc walks root by index path, allocating nil embedded
// pointers on the way. The leaf field is returned as it is.
func fieldByIndexAlloc(root reflect.Value, path []int) (reflect.Value, error) {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f, nil
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				if !f.CanSet() {
					return reflect.Value{}, fmt.Errorf("%w: cannot allocate unexported embedded %s", ErrUnsupportedType, f.Type())
				}
				f.Set(reflect.New(f.Type().Elem()))
			}
			f = f.Elem()
		}
		v = f
	}
	return v, nil
}

// fieldByIndexRead walks root by index path without allocating. It reports
// false when a nil embedded pointer hides the field.
func fieldByIndexRead(root reflect.Value, path []int) (reflect.Value, bool) {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f, true
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				return reflect.Value{}, false
			}
			f = f.Elem()
		}
		v = f
	}
	return v, true
}

// matchName returns the position of name among n candidates: the first exact
// match, otherwise the only case-insensitive match. It returns -1 when
// nothing matches and -2 when several candidates match case-insensitively.
func matchName(name string, n int, at func(int) string) int {
	folded := -1
	for i := 0; i < n; i++ {
		c := at(i)
		if c == name {
			return i
		}
		if strings.EqualFold(c, name) {
			if folded >= 0 {
				return -2
			}
			folded = i
		}
	}
	return folded
}

// columnIndex resolves, for every field of the plan, the position of its
// column in cols.
func (p *recordPlan) columnIndex(cols []string) ([]int, error) {
	idx := make([]int, len(p.fields))
	for i, f := range p.fields {
		j := matchName(f.name, len(cols), func(k int) string { return cols[k] })
		switch j {
		case -1:
			return nil, fmt.Errorf("%w: %q for field of %s", ErrColumnNotFound, f.name, p.base)
		case -2:
			return nil, fmt.Errorf("%w: %q matches several columns", ErrFieldAmbiguous, f.name)
		}
		idx[i] = j
	}
	return idx, nil
}

// fill assigns one scanned row to dst, which holds a T.
func (p *recordPlan) fill(dst reflect.Value, cols []string, colIdx []int, values []any) error {
	switch p.kind {
	case rkMap:
		m := reflect.MakeMapWithSize(p.typ, len(cols))
		keyT, elemT := p.typ.Key(), p.typ.Elem()
		for i, c := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			mv := reflect.Zero(elemT)
			if v != nil {
				mv = reflect.ValueOf(v)
			}
			m.SetMapIndex(reflect.ValueOf(c).Convert(keyT), mv)
		}
		dst.Set(m)
		return nil
	case rkStructPtr:
		ptr := reflect.New(p.base)
		if err := p.fillStruct(ptr.Elem(), cols, colIdx, values); err != nil {
			return err
		}
		dst.Set(ptr)
		return nil
	default:
		return p.fillStruct(dst, cols, colIdx, values)
	}
}

// fillStruct converts each field's column value into the field.
func (p *recordPlan) fillStruct(dst reflect.Value, cols []string, colIdx []int, values []any) error {
	for i, f := range p.fields {
		col := colIdx[i]
		fv, err := fieldByIndexAlloc(dst, f.index)
		if err != nil {
			return err
		}
		if err := assign(fv, values[col]); err != nil {
			return &ConversionError{
				Column: cols[col],
				Field:  f.name,
				From:   reflect.TypeOf(values[col]),
				To:     fv.Type(),
				Err:    err,
			}
		}
	}
	return nil
}

// scanAll reads every row of rows into a []T following plan.
// Each row is scanned into generic holders first, then converted field by
// field, so driver values never go through database/sql's own conversion.
func scanAll[T any](rows *sql.Rows, plan *recordPlan) ([]T, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var colIdx []int
	if plan.kind != rkMap {
		if colIdx, err = plan.columnIndex(cols); err != nil {
			return nil, err
		}
	}

	values := make([]any, len(cols))
	targets := make([]any, len(cols))
	for i := range values {
		targets[i] = &values[i]
	}

	out := make([]T, 0)
	for rows.Next() {
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		var item T
		if err := plan.fill(reflect.ValueOf(&item).Elem(), cols, colIdx, values); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

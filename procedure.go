package shylock

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// procedureName accepts an optionally schema- or database-qualified identifier.
	procedureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$#]*(\.[A-Za-z_][A-Za-z0-9_$#]*){0,2}$`)
	paramName     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// renderProcedure builds the call statement for procedure name with params
// bound in the given order. declared reports whether that order comes from the
// caller (struct fields) rather than from sorted map keys; positional calls
// with more than one parameter need it.
//
//	SQLServer:  EXEC name @a = @p1, @b = @p2
//	Postgres:   SELECT * FROM name(a => $1, b => $2)   (rows wanted)
//	            CALL name(a => $1, b => $2)            (write)
//	MySQL/Auto: CALL name(?, ?)
//
// SQLite has no stored procedures.
func renderProcedure(d Dialect, name string, params []namedArg, declared, returnsRows bool, config Config) (string, []any, error) {
	name = strings.TrimSpace(name)
	if !procedureName.MatchString(name) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidProcedureName, name)
	}
	if d == SQLite {
		return "", nil, fmt.Errorf("%w: dialect %s", ErrProcedureUnsupported, d)
	}
	if !declared && len(params) > 1 && d != SQLServer && d != Postgres {
		return "", nil, fmt.Errorf("%w: dialect %s binds procedure parameters by position, pass a struct to fix their order", ErrArgument, d)
	}
	if config.MaxParams > 0 && len(params) > config.MaxParams {
		return "", nil, fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, len(params), config.MaxParams)
	}
	for _, p := range params {
		if config.MaxNameLen > 0 && len(p.name) > config.MaxNameLen {
			return "", nil, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, p.name, len(p.name), config.MaxNameLen)
		}
		if !paramName.MatchString(p.name) {
			return "", nil, fmt.Errorf("%w: invalid parameter name %q", ErrArgument, p.name)
		}
	}

	var b strings.Builder
	args := make([]any, 0, len(params))
	switch d {
	case SQLServer:
		b.WriteString("EXEC ")
		b.WriteString(name)
		for i, p := range params {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(" @")
			b.WriteString(p.name)
			b.WriteString(" = ")
			writePlaceholder(&b, d, i+1)
		}
	case Postgres:
		if returnsRows {
			b.WriteString("SELECT * FROM ")
		} else {
			b.WriteString("CALL ")
		}
		b.WriteString(name)
		b.WriteByte('(')
		for i, p := range params {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.name)
			b.WriteString(" => ")
			writePlaceholder(&b, d, i+1)
		}
		b.WriteByte(')')
	default:
		b.WriteString("CALL ")
		b.WriteString(name)
		b.WriteByte('(')
		for i := range params {
			if i > 0 {
				b.WriteString(", ")
			}
			writePlaceholder(&b, d, i+1)
		}
		b.WriteByte(')')
	}

	for _, p := range params {
		if s, ok := p.value.(scalar); ok {
			args = append(args, s.v)
			continue
		}
		args = append(args, p.value)
	}
	return b.String(), args, nil
}

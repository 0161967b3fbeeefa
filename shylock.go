package shylock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Dialect identifies the SQL dialect for placeholder rendering and stored
// procedure call syntax.
type Dialect int

// Repository runs statements against the database identified by a driver
// name and a connection string. It keeps no connection between calls: every
// Query and Execute opens its own connection and closes it before returning.
// A Repository is immutable after New and safe for concurrent use.
type Repository struct {
	driverName string
	dsn        string
	dialect    Dialect
	config     Config
}

// Config defines limits and collaborators of a Repository.
// The zero value is valid; unset fields take the defaults described below.
type Config struct {
	// Dialect forces the dialect. If Auto (or omitted), it is resolved from
	// the driver name passed to New.
	Dialect Dialect
	// MaxParams limits the number of placeholders a single statement may bind.
	// If = 0 (or omitted), it uses a per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the length of a placeholder name. Defaults to 64.
	MaxNameLen int
	// Logger receives one event per executed statement. The zero value
	// discards everything.
	Logger zerolog.Logger
	// Validator checks `validate` struct tags before Execute. Defaults to a
	// shared validator.Validate.
	Validator *validator.Validate
	// Open creates the *sql.DB a call runs on. Defaults to sql.Open.
	Open func(driverName, dsn string) (*sql.DB, error)
}

// P is a convenient alias for map[string]any to pass query parameters.
type P = map[string]any

// QueryOptions are the optional inputs of Query.
type QueryOptions struct {
	// Parameters binds :name and @name placeholders by name. Keys may carry
	// the leading '@' or ':' and match exactly, then case-insensitively.
	// MySQL procedure calls bind by position and accept at most one key.
	Parameters P
	// StoredProcedure treats the statement text as a procedure name.
	StoredProcedure bool
}

// ExecOptions are the optional inputs of Execute.
type ExecOptions struct {
	// StoredProcedure treats the statement text as a procedure name.
	StoredProcedure bool
}

const (
	Auto Dialect = iota
	Postgres
	MySQL
	SQLite
	SQLServer
)

var (
	ErrArgument             = errors.New("shylock: invalid argument")
	ErrEmptyStatement       = fmt.Errorf("%w: empty sql statement", ErrArgument)
	ErrEmptyEntity          = fmt.Errorf("%w: nil or zero entity", ErrArgument)
	ErrUnsupportedType      = fmt.Errorf("%w: unsupported record type", ErrArgument)
	ErrInvalidProcedureName = fmt.Errorf("%w: invalid procedure name", ErrArgument)

	ErrParamMissing         = errors.New("shylock: missing parameter")
	ErrSliceEmpty           = errors.New("shylock: empty slice")
	ErrTooManyParams        = errors.New("shylock: too many parameters")
	ErrParamNameTooLong     = errors.New("shylock: parameter name too long")
	ErrProcedureUnsupported = errors.New("shylock: stored procedures not supported")

	ErrColumnNotFound        = errors.New("shylock: column not found")
	ErrFieldAmbiguous        = errors.New("shylock: ambiguous field name")
	ErrUnsupportedConversion = errors.New("shylock: unsupported conversion")
	ErrOverflow              = errors.New("shylock: value out of range")
	ErrValidation            = errors.New("shylock: validation failed")
)

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Auto:
		return "auto"
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// DialectOf maps a database/sql driver name to its dialect.
// Unknown drivers map to Auto, which renders '?' placeholders.
func DialectOf(driverName string) Dialect {
	switch strings.ToLower(driverName) {
	case "postgres", "postgresql", "pgx", "pgx/v5", "cloudsqlpostgres":
		return Postgres
	case "mysql":
		return MySQL
	case "sqlite", "sqlite3":
		return SQLite
	case "sqlserver", "mssql", "azuresql":
		return SQLServer
	default:
		return Auto
	}
}

// New returns a Repository for the given driver and connection string.
// The connection string is passed to the driver unchanged.
// Optionally provide a Config; unspecified fields fall back to defaults.
func New(driverName, connectionString string, cfg ...Config) *Repository {
	c := Config{}
	if len(cfg) > 0 {
		c = cfg[0]
	}
	d := c.Dialect
	if d == Auto {
		d = DialectOf(driverName)
	}
	return &Repository{
		driverName: driverName,
		dsn:        connectionString,
		dialect:    d,
		config:     defaultConfig(d, c),
	}
}

// Dialect returns the dialect statements are rendered for.
func (r *Repository) Dialect() Dialect {
	return r.dialect
}

// Query runs sql with context.Background() and maps every returned row onto a T.
func Query[T any](r *Repository, sql string, opts ...QueryOptions) ([]T, error) {
	return QueryContext[T](context.Background(), r, sql, opts...)
}

// QueryContext runs sql on a fresh connection and maps every returned row
// onto a T, in result-set order. T is a struct, a pointer to a struct or a
// map[string]any. Struct fields are matched to columns by name (or `db` tag);
// every field needs a column, extra columns are ignored. NULL columns leave
// the zero value. Driver errors are returned as they are.
func QueryContext[T any](ctx context.Context, r *Repository, sql string, opts ...QueryOptions) ([]T, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptyStatement
	}
	var o QueryOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	plan, err := newRecordPlan(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	q, args, err := r.bind(sql, o.StoredProcedure, true, newMapSource(o.Parameters))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	db, conn, err := r.connect(ctx)
	if err != nil {
		r.trace("query", q, args, start, 0, err)
		return nil, err
	}
	defer r.release(db, conn)

	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		r.trace("query", q, args, start, 0, err)
		return nil, err
	}
	defer rows.Close()

	out, err := scanAll[T](rows, plan)
	r.trace("query", q, args, start, int64(len(out)), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Execute runs sql with context.Background(), binding the fields of entity.
func Execute[T any](r *Repository, entity T, sql string, opts ...ExecOptions) error {
	return ExecuteContext(context.Background(), r, entity, sql, opts...)
}

// ExecuteContext validates entity, then runs sql on a fresh connection with
// one parameter per field of entity, named after the field (or its `db` tag).
// Rows returned by the statement, generated keys included, are not read.
func ExecuteContext[T any](ctx context.Context, r *Repository, entity T, sql string, opts ...ExecOptions) error {
	ev := reflect.ValueOf(&entity).Elem()
	if isEmptyEntity(ev) {
		return ErrEmptyEntity
	}
	if strings.TrimSpace(sql) == "" {
		return ErrEmptyStatement
	}
	var o ExecOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	src, err := newEntitySource(ev)
	if err != nil {
		return err
	}
	if err := r.validate(ev); err != nil {
		return err
	}
	q, args, err := r.bind(sql, o.StoredProcedure, false, src)
	if err != nil {
		return err
	}

	start := time.Now()
	db, conn, err := r.connect(ctx)
	if err != nil {
		r.trace("execute", q, args, start, 0, err)
		return err
	}
	defer r.release(db, conn)

	res, err := conn.ExecContext(ctx, q, args...)
	if err != nil {
		r.trace("execute", q, args, start, 0, err)
		return err
	}
	n, _ := res.RowsAffected()
	r.trace("execute", q, args, start, n, nil)
	return nil
}

// bind renders the statement for the repository dialect and collects its args.
func (r *Repository) bind(sql string, proc, returnsRows bool, src paramSource) (string, []any, error) {
	if proc {
		params, declared := src.ordered()
		return renderProcedure(r.dialect, sql, params, declared, returnsRows, r.config)
	}
	return parse(r.dialect, sql, src, r.config)
}

// connect opens a dedicated *sql.DB and takes one connection from it.
func (r *Repository) connect(ctx context.Context) (*sql.DB, *sql.Conn, error) {
	db, err := r.config.Open(r.driverName, r.dsn)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, conn, nil
}

// release closes the connection and its *sql.DB.
func (r *Repository) release(db *sql.DB, conn *sql.Conn) {
	_ = conn.Close()
	_ = db.Close()
}

// trace logs one statement. Argument values are never logged.
func (r *Repository) trace(op, q string, args []any, start time.Time, rows int64, err error) {
	log := r.config.Logger
	if err != nil {
		log.Warn().
			Err(err).
			Str("op", op).
			Str("dialect", r.dialect.String()).
			Str("sql", q).
			Int("args", len(args)).
			Dur("elapsed", time.Since(start)).
			Msg("statement failed")
		return
	}
	log.Debug().
		Str("op", op).
		Str("dialect", r.dialect.String()).
		Str("sql", q).
		Int("args", len(args)).
		Dur("elapsed", time.Since(start)).
		Int64("rows", rows).
		Msg("statement executed")
}

// isEmptyEntity reports whether v is nil, an empty map or a zero struct.
func isEmptyEntity(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Interface:
		if v.IsNil() {
			return true
		}
		return isEmptyEntity(v.Elem())
	case reflect.Pointer:
		return v.IsNil()
	case reflect.Map:
		return v.IsNil() || v.Len() == 0
	default:
		return v.IsZero()
	}
}

// defaultConfig fills unset fields of c with per-dialect defaults.
func defaultConfig(dialect Dialect, c Config) Config {
	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}
	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}
	if c.Validator == nil {
		c.Validator = defaultValidator
	}
	if c.Open == nil {
		c.Open = sql.Open
	}
	c.Dialect = dialect
	return c
}

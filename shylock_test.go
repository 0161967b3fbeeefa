package shylock

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

// --------------------------------
// Test utilities
// --------------------------------

var dsnSeq atomic.Int64

// newMockRepo registers a sqlmock database under a unique DSN and returns a
// Repository opening it through the "sqlmock" driver, so every call gets its
// own *sql.DB exactly as with a real driver.
func newMockRepo(t *testing.T, cfg Config) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	dsn := fmt.Sprintf("shylock_%d", dsnSeq.Add(1))
	db, mock, err := sqlmock.NewWithDSN(dsn, sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.NewWithDSN: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New("sqlmock", dsn, cfg), mock
}

// countingOpen returns an opener that counts how many times it is called.
func countingOpen(n *int) func(string, string) (*sql.DB, error) {
	return func(driverName, dsn string) (*sql.DB, error) {
		*n++
		return sql.Open(driverName, dsn)
	}
}

// assertExpectations fails if sqlmock expectations were not met.
func assertExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

type person struct {
	Id   int
	Name string
}

// --------------------------------
// Repository
// --------------------------------

// TestNew_Dialect ensures the dialect follows the driver name unless forced.
func TestNew_Dialect(t *testing.T) {
	if d := New("pgx", "").Dialect(); d != Postgres {
		t.Fatalf("pgx dialect = %s", d)
	}
	if d := New("sqlmock", "").Dialect(); d != Auto {
		t.Fatalf("sqlmock dialect = %s", d)
	}
	if d := New("pgx", "", Config{Dialect: MySQL}).Dialect(); d != MySQL {
		t.Fatalf("forced dialect = %s", d)
	}
}

// --------------------------------
// Query
// --------------------------------

// TestQuery_MapsRows runs a parameterized select and maps the rows.
func TestQuery_MapsRows(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: SQLServer})
	mock.ExpectQuery("SELECT Id, Name FROM People WHERE Id = @p1").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}).AddRow(1, "Ada"))
	mock.ExpectClose()

	got, err := Query[person](r, "SELECT Id, Name FROM People WHERE Id = @id", QueryOptions{Parameters: P{"id": 1}})
	assertNoError(t, err)
	if len(got) != 1 || got[0] != (person{Id: 1, Name: "Ada"}) {
		t.Fatalf("got=%+v", got)
	}
	assertExpectations(t, mock)
}

// TestQuery_NoParameters ensures a statement without placeholders runs as written.
func TestQuery_NoParameters(t *testing.T) {
	r, mock := newMockRepo(t, Config{})
	mock.ExpectQuery("SELECT Id, Name FROM People").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "Ada").AddRow(2, "Grace"))
	mock.ExpectClose()

	got, err := Query[*person](r, "SELECT Id, Name FROM People")
	assertNoError(t, err)
	if len(got) != 2 || got[1].Name != "Grace" {
		t.Fatalf("got=%+v", got)
	}
	assertExpectations(t, mock)
}

// TestQuery_EmptyResult ensures no rows yields an empty, non-nil slice.
func TestQuery_EmptyResult(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: Postgres})
	mock.ExpectQuery("SELECT Id, Name FROM People WHERE Id = $1").
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}))
	mock.ExpectClose()

	got, err := QueryContext[person](context.Background(), r, "SELECT Id, Name FROM People WHERE Id = :id", QueryOptions{Parameters: P{":id": 99}})
	assertNoError(t, err)
	if got == nil || len(got) != 0 {
		t.Fatalf("got=%#v, want empty non-nil slice", got)
	}
	assertExpectations(t, mock)
}

// TestQuery_StoredProcedure ensures a procedure call is rendered and bound.
func TestQuery_StoredProcedure(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: SQLServer})
	mock.ExpectQuery("EXEC dbo.GetPerson @id = @p1, @name = @p2").
		WithArgs(1, "Ada").
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}).AddRow(1, "Ada"))
	mock.ExpectClose()

	got, err := Query[person](r, "dbo.GetPerson", QueryOptions{
		Parameters:      P{"@name": "Ada", "id": 1},
		StoredProcedure: true,
	})
	assertNoError(t, err)
	if len(got) != 1 || got[0].Name != "Ada" {
		t.Fatalf("got=%+v", got)
	}
	assertExpectations(t, mock)
}

// TestQuery_ArgumentErrors ensures invalid calls fail before any connection is opened.
func TestQuery_ArgumentErrors(t *testing.T) {
	var opens int
	r := New("sqlmock", "never-opened", Config{Open: countingOpen(&opens)})
	lite := New("sqlite", "never-opened", Config{Open: countingOpen(&opens)})

	_, err := Query[person](r, "")
	assertErrorIs(t, err, ErrEmptyStatement)
	assertErrorIs(t, err, ErrArgument)

	_, err = Query[person](r, " \n\t ")
	assertErrorIs(t, err, ErrEmptyStatement)

	_, err = Query[int](r, "SELECT 1")
	assertErrorIs(t, err, ErrUnsupportedType)

	_, err = Query[person](r, "SELECT * FROM People WHERE Id = :id")
	assertErrorIs(t, err, ErrParamMissing)

	_, err = Query[person](r, "SELECT * FROM People WHERE Id IN (:ids)", QueryOptions{Parameters: P{"ids": []int{}}})
	assertErrorIs(t, err, ErrSliceEmpty)

	_, err = Query[person](r, "GetPerson; DROP TABLE People", QueryOptions{StoredProcedure: true})
	assertErrorIs(t, err, ErrInvalidProcedureName)

	_, err = Query[person](lite, "GetPerson", QueryOptions{StoredProcedure: true})
	assertErrorIs(t, err, ErrProcedureUnsupported)

	my := New("mysql", "never-opened", Config{Open: countingOpen(&opens)})
	_, err = Query[person](my, "GetPerson", QueryOptions{Parameters: P{"id": 1, "name": "Ada"}, StoredProcedure: true})
	assertErrorIs(t, err, ErrArgument)
	err = Execute(my, P{"id": 1, "name": "Ada"}, "SavePerson", ExecOptions{StoredProcedure: true})
	assertErrorIs(t, err, ErrArgument)

	_, err = Query[person](r, "SELECT * FROM People WHERE Id = :Id", QueryOptions{Parameters: P{"id": 1, "ID": 2}})
	assertErrorIs(t, err, ErrFieldAmbiguous)

	if opens != 0 {
		t.Fatalf("opened %d connections, want 0", opens)
	}
}

// TestQuery_DriverErrorReturned ensures driver errors are returned unchanged
// and the connection is still released.
func TestQuery_DriverErrorReturned(t *testing.T) {
	boom := errors.New("relation does not exist")
	r, mock := newMockRepo(t, Config{})
	mock.ExpectQuery("SELECT * FROM Missing").WillReturnError(boom)
	mock.ExpectClose()

	_, err := Query[person](r, "SELECT * FROM Missing")
	if err != boom {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	assertExpectations(t, mock)
}

// TestQuery_MappingErrorReleases ensures a mapping failure still closes the connection.
func TestQuery_MappingErrorReleases(t *testing.T) {
	r, mock := newMockRepo(t, Config{})
	mock.ExpectQuery("SELECT Id FROM People").
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow(1))
	mock.ExpectClose()

	_, err := Query[person](r, "SELECT Id FROM People")
	assertErrorIs(t, err, ErrColumnNotFound)
	assertExpectations(t, mock)
}

// TestQuery_OpenError ensures a failing opener is reported as is.
func TestQuery_OpenError(t *testing.T) {
	errOpen := errors.New("unknown driver")
	r := New("nope", "dsn", Config{Open: func(string, string) (*sql.DB, error) { return nil, errOpen }})

	_, err := Query[person](r, "SELECT 1")
	if !errors.Is(err, errOpen) {
		t.Fatalf("err=%v, want %v", err, errOpen)
	}
}

// TestQuery_ContextCanceled ensures a canceled context stops the call.
func TestQuery_ContextCanceled(t *testing.T) {
	r, mock := newMockRepo(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := QueryContext[person](ctx, r, "SELECT Id, Name FROM People")
	assertErrorIs(t, err, context.Canceled)
	assertExpectations(t, mock)
}

// TestQuery_Logging ensures statements are logged without argument values.
func TestQuery_Logging(t *testing.T) {
	var buf bytes.Buffer
	r, mock := newMockRepo(t, Config{Logger: zerolog.New(&buf)})
	mock.ExpectQuery("SELECT Id, Name FROM People WHERE Name = ?").
		WithArgs("s3cret").
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}).AddRow(1, "Ada"))
	mock.ExpectQuery("SELECT broken").WillReturnError(errors.New("syntax error"))

	_, err := Query[person](r, "SELECT Id, Name FROM People WHERE Name = :name", QueryOptions{Parameters: P{"name": "s3cret"}})
	assertNoError(t, err)
	_, err = Query[person](r, "SELECT broken")
	if err == nil {
		t.Fatal("expected error")
	}

	out := buf.String()
	for _, want := range []string{
		`"level":"debug"`,
		`"message":"statement executed"`,
		`"sql":"SELECT Id, Name FROM People WHERE Name = ?"`,
		`"args":1`,
		`"rows":1`,
		`"level":"warn"`,
		`"error":"syntax error"`,
		`"message":"statement failed"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "s3cret") {
		t.Fatalf("argument value leaked into log:\n%s", out)
	}
}

// --------------------------------
// Execute
// --------------------------------

// TestExecute_BindsEntity runs an insert with the entity fields as parameters.
func TestExecute_BindsEntity(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: SQLServer})
	mock.ExpectExec("INSERT INTO People (Id, Name) VALUES (@p1, @p2)").
		WithArgs(2, "Grace").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	err := Execute(r, person{Id: 2, Name: "Grace"}, "INSERT INTO People (Id, Name) VALUES (@Id, @Name)")
	assertNoError(t, err)
	assertExpectations(t, mock)
}

// TestExecute_MapEntity ensures maps bind like structs.
func TestExecute_MapEntity(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: Postgres})
	mock.ExpectExec("UPDATE People SET Name = $1 WHERE Id IN ($2, $3)").
		WithArgs("Anon", 1, 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectClose()

	err := ExecuteContext(context.Background(), r, P{"name": "Anon", "ids": []int{1, 2}}, "UPDATE People SET Name = :name WHERE Id IN (:ids)")
	assertNoError(t, err)
	assertExpectations(t, mock)
}

// TestExecute_MapKeysFoldCase ensures map entity keys match placeholders
// case-insensitively.
func TestExecute_MapKeysFoldCase(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: SQLite})
	mock.ExpectExec("INSERT INTO People (Id, Name) VALUES (?, ?)").
		WithArgs(2, "Grace").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectClose()

	err := Execute(r, P{"Id": 2, "Name": "Grace"}, "INSERT INTO People (Id, Name) VALUES (@id, @name)")
	assertNoError(t, err)
	assertExpectations(t, mock)
}

// TestExecute_PositionalProcedure ensures struct entities keep their field
// order in positional procedure calls.
func TestExecute_PositionalProcedure(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: MySQL})
	mock.ExpectExec("CALL save_person(?, ?)").
		WithArgs(2, "Grace").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("CALL touch_person(?)").
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	err := Execute(r, person{Id: 2, Name: "Grace"}, "save_person", ExecOptions{StoredProcedure: true})
	assertNoError(t, err)
	err = Execute(r, P{"id": 3}, "touch_person", ExecOptions{StoredProcedure: true})
	assertNoError(t, err)
	assertExpectations(t, mock)
}

// TestExecute_StoredProcedure ensures write procedures bind entity fields by name.
func TestExecute_StoredProcedure(t *testing.T) {
	r, mock := newMockRepo(t, Config{Dialect: Postgres})
	mock.ExpectExec("CALL upsert_person(Id => $1, Name => $2)").
		WithArgs(2, "Grace").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	err := Execute(r, &person{Id: 2, Name: "Grace"}, "upsert_person", ExecOptions{StoredProcedure: true})
	assertNoError(t, err)
	assertExpectations(t, mock)
}

// TestExecute_ArgumentErrors ensures invalid calls fail before any connection is opened.
func TestExecute_ArgumentErrors(t *testing.T) {
	var opens int
	r := New("sqlmock", "never-opened", Config{Open: countingOpen(&opens)})

	var nilPerson *person
	var nilMap P
	for name, err := range map[string]error{
		"nil pointer": Execute(r, nilPerson, "INSERT"),
		"zero struct": Execute(r, person{}, "INSERT"),
		"nil map":     Execute(r, nilMap, "INSERT"),
		"empty map":   Execute(r, P{}, "INSERT"),
		"nil any":     Execute[any](r, nil, "INSERT"),
		"empty sql":   Execute(r, person{}, ""),
	} {
		if !errors.Is(err, ErrEmptyEntity) {
			t.Fatalf("%s: err=%v, want ErrEmptyEntity", name, err)
		}
	}

	err := Execute(r, person{Id: 1}, "   ")
	assertErrorIs(t, err, ErrEmptyStatement)

	err = Execute(r, 42, "INSERT")
	assertErrorIs(t, err, ErrUnsupportedType)

	err = Execute(r, person{Id: 1}, "INSERT INTO People VALUES (:Id, :Missing)")
	assertErrorIs(t, err, ErrParamMissing)

	if opens != 0 {
		t.Fatalf("opened %d connections, want 0", opens)
	}
}

// TestExecute_ValidationError ensures an invalid entity never reaches the database.
func TestExecute_ValidationError(t *testing.T) {
	var opens int
	r := New("sqlmock", "never-opened", Config{Open: countingOpen(&opens)})

	err := Execute(r, signup{Age: 1}, "INSERT INTO Signups VALUES (:Email, :Name, :Age, :Role)")
	assertErrorIs(t, err, ErrValidation)

	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Violations) != 4 {
		t.Fatalf("err=%v", err)
	}
	if opens != 0 {
		t.Fatalf("opened %d connections, want 0", opens)
	}
}

// TestExecute_DriverErrorReturned ensures driver errors are returned unchanged.
func TestExecute_DriverErrorReturned(t *testing.T) {
	dup := errors.New("duplicate key")
	r, mock := newMockRepo(t, Config{})
	mock.ExpectExec("INSERT INTO People (Id, Name) VALUES (?, ?)").
		WithArgs(1, "Ada").
		WillReturnError(dup)
	mock.ExpectClose()

	err := Execute(r, person{Id: 1, Name: "Ada"}, "INSERT INTO People (Id, Name) VALUES (:Id, :Name)")
	if err != dup {
		t.Fatalf("err=%v, want %v", err, dup)
	}
	assertExpectations(t, mock)
}

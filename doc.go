// Package shylock is a minimal object-relational mapping helper over database/sql. You write plain SQL with :named (or @named) parameters; shylock binds them for the target dialect, runs the statement on a fresh connection, and maps every result row onto your struct by matching column names to field names. The inverse direction binds a populated struct's fields as the parameters of a write statement. There is no query builder, no pooling and no cache: each call is open, bind, execute, close.

package shylock

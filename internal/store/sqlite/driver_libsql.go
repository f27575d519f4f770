//go:build libsql

package sqlite

// Registers the "libsql" database/sql driver. Select it with
// store.driver = "libsql".
import _ "github.com/tursodatabase/go-libsql"

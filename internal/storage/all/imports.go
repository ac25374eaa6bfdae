// Package all wires every built-in warehouse backend into the storage
// registry. Import it for side effects from the binary's main package:
//
//	import _ "odooetl/internal/storage/all"
//
// after which storage.New accepts the kinds "postgres", "mssql", "mysql" and "sqlite".
// A binary that needs fewer backends can import them individually instead.
package all

import (
	_ "odooetl/internal/storage/mssql"
	_ "odooetl/internal/storage/mysql"
	_ "odooetl/internal/storage/postgres"
	_ "odooetl/internal/storage/sqlite"
)

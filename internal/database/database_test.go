package database

import "database/sql"

// Querier must be satisfiable by both the pool and a transaction, so
// repository queries can run either way.
var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

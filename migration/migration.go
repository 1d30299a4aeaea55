// This package defines a single named schema migration which is applied by the db migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}

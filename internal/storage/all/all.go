// Package all registers every inspector backend. Import it for side
// effects from main.
package all

import (
	_ "casesync/internal/storage/mssql"
	_ "casesync/internal/storage/postgres"
	_ "casesync/internal/storage/sqlite"
)

package migrations

import "embed"

// FS holds the migration scripts. Files are named <version>_<name>.sql.
//
//go:embed scripts
var FS embed.FS

package sqlitecore

import "embed"

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"
const versionTable = "eventcore_schema_version"

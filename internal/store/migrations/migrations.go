package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered schema history for the reward-service database.
// Each migration lives in its own timestamp-prefixed file; bun derives the
// migration name from the registering file.
var Migrations = migrate.NewMigrations()

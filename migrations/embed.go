// Package migrations embeds the SQL migration files into the binary, so
// the hub can bring its schema up to date without SQL files on disk.
package migrations

import (
	"embed"

	"github.com/devlink-io/devlink-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // files sit at the root of the embedded FS
}

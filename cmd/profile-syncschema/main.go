// Command profile-syncschema applies the Postgres schema used by
// pkg/profilestore/postgres; with --delete it first drops every table in
// the public schema and then reapplies it. Equivalent to the reference's
// standalone syncschema.py maintenance script.
//
// Example:
//
//	STORAGE_HOST=localhost STORAGE_USER=postgres STORAGE_PASSWORD=secret \
//	go run ./cmd/profile-syncschema --delete
package main

import (
	"context"
	"flag"
	"fmt"

	pgstore "github.com/memlattice/profilememory/pkg/profilestore/postgres"
	"github.com/memlattice/profilememory/pkg/profileconfig"
	"github.com/memlattice/profilememory/pkg/profilelog"
)

func main() {
	deleteFirst := flag.Bool("delete", false, "drop every table in the public schema before reapplying it")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	logger := profilelog.Setup(*logLevel, false)

	cfg, err := profileconfig.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		cfg.StorageUser, cfg.StoragePassword, cfg.StorageHost, cfg.StoragePort, cfg.StorageDatabase)

	ctx := context.Background()

	if !*deleteFirst {
		store := pgstore.New(connString)
		if err := store.Startup(ctx); err != nil {
			logger.Fatal().Err(err).Msg("apply schema")
		}
		defer store.Cleanup(ctx)
		logger.Info().Str("database", cfg.StorageDatabase).Msg("schema applied")
		return
	}

	if err := pgstore.ResetSchema(ctx, connString); err != nil {
		logger.Fatal().Err(err).Msg("reset schema")
	}
	logger.Info().Str("database", cfg.StorageDatabase).Msg("schema dropped and reapplied")
}

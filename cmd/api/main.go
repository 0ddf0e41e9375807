package main

import (
	"context"

	"github.com/alecthomas/kong"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool             `help:"Enable debug logging."`
		Version kong.VersionFlag `help:"Print the version and exit."`
		Serve   ServeCmd         `cmd:"" default:"1" help:"Start the HTTP API."`
		Migrate MigrateCmd       `cmd:"" help:"Apply database migrations and exit."`
		Reindex ReindexCmd       `cmd:"" help:"Rebuild the Meilisearch indexes from PostgreSQL."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("dashboard-api"),
		kong.Description("Workspace dashboard API."),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}

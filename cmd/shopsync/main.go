// shopsync serves shared shopping lists over HTTP and pushes changes to connected
// clients over a websocket.
//
// Configuration comes from SHOPSYNC_* environment variables; the flags below
// override the most commonly changed ones.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"shopsync/cmd/internal/app"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("shopsync", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address (SHOPSYNC_HTTP_ADDR)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (SHOPSYNC_LOG_LEVEL)")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text (SHOPSYNC_LOG_FORMAT)")
	flagSet.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string (SHOPSYNC_DATABASE_URL)")
	flagSet.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file, used when no database URL is set (SHOPSYNC_SQLITE_PATH)")
	flagSet.BoolVar(&cfg.DBAutoMigrate, "migrate", cfg.DBAutoMigrate, "create the Postgres schema on startup (SHOPSYNC_DB_AUTO_MIGRATE)")
	flagSet.BoolVar(&cfg.DevInsecure, "dev-insecure", cfg.DevInsecure, "allow weak secrets and any websocket origin (SHOPSYNC_DEV_INSECURE)")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	return app.Run(cfg)
}

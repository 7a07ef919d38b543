// pluvio-migrate applies the embedded goose migrations. Kept separate
// from the service binary so schema changes run under operator control
// and deploys never race each other on DDL.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nimbuslabs/pluvio/migrations"
	"github.com/nimbuslabs/pluvio/pkg/config"
)

var (
	command = flag.String("command", "up", "Migration command: up, down, status, version")
	dsn     = flag.String("dsn", "", "Postgres DSN (default: built from the pluvio environment)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	connStr := *dsn
	if connStr == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		connStr = cfg.Database.DSN()
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch *command {
	case "up":
		err = goose.Up(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", *command)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("Migration %s failed: %v", *command, err)
	}
}

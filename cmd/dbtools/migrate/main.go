// cmd/dbtools/migrate/main.go
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codr1/bookable/internal/config"
	"github.com/codr1/bookable/internal/db"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		driver  = flag.String("driver", config.DriverSQLite, "Database driver (sqlite, postgres)")
		dsn     = flag.String("db", "", "SQLite path or postgres URL (env DATABASE_URL for postgres)")
		command = flag.String("command", "", "Command to run (up, down, version)")
	)
	flag.Parse()

	if *dsn == "" && *driver == config.DriverPostgres {
		*dsn = os.Getenv("DATABASE_URL")
	}
	if *dsn == "" || *command == "" {
		flag.Usage()
		os.Exit(1)
	}

	m, closeDB, err := open(*driver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration init failed")
	}
	defer closeDB()

	switch *command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Migration up failed")
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Migration down failed")
		}
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatal().Err(err).Msg("Get version failed")
		}
		fmt.Printf("Version: %d, Dirty: %v\n", version, dirty)
	default:
		log.Fatal().Str("command", *command).Msg("Unknown command")
	}
}

// open connects without migrating so each command controls the schema itself.
func open(driver, dsn string) (*migrate.Migrate, func(), error) {
	var (
		sqlDB *sqlx.DB
		err   error
	)
	switch driver {
	case config.DriverSQLite:
		sqlDB, err = sqlx.Open("sqlite3", dsn)
	case config.DriverPostgres:
		sqlDB, err = sqlx.Open("postgres", dsn)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, nil, err
	}

	database := &db.DB{DB: sqlDB, Driver: driver}
	m, err := database.Migrator()
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return m, func() { sqlDB.Close() }, nil
}

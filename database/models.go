// Package database provides the Postgres ledger for the hedging engine.
//
// This package includes:
//   - Connection management using GORM and the pgx-backed Postgres driver
//   - Schema initialization, including the partial unique indexes that keep
//     one running pivot per subaccount and one running leg per position
//   - LedgerRepository, the ledger.Store implementation
//
// Data Models:
//
//	All records (Segment, Trade, TradeDetail, ...) are defined in the models
//	package so the in-memory ledger can share them.
package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
)

// Database holds the GORM connection.
type Database struct {
	db *gorm.DB
}

// DB returns the underlying GORM database instance for direct access when needed.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Connect establishes database connection using GORM
func Connect(host string, port int, dbname, user, password string) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		host, port, dbname, user, password)
	return Open(dsn)
}

// Open connects with a ready-made DSN.
func Open(dsn string) (*Database, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Type aliases so callers holding a *Database need not import models.
type (
	Segment     = models.Segment
	Trade       = models.Trade
	TradeDetail = models.TradeDetail
	Milestone   = models.Milestone
	Token       = models.Token
	Subaccount  = models.Subaccount
	Constant    = models.Constant
)

package store

import (
	"fmt"

	"github.com/Shadowskybtw/loyalty-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// InitDB opens a sqlite database at path and migrates the schema.
func InitDB(path string) (*gorm.DB, error) {
	return Open(DriverSQLite, path)
}

// Open opens the database for driver and migrates the schema.
//
// sqlite runs behind a single connection so that transactions are serialized;
// postgres relies on row locks taken by LockAccount.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	d, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if d.Dialector.Name() == DriverSQLite {
		sqlDB, err := d.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if err := d.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
			}
		}
	}

	if err := d.AutoMigrate(models.All()...); err != nil {
		return nil, err
	}
	return d, nil
}

// LockAccount loads the account row inside tx, holding a row lock where the
// dialect supports one.
func LockAccount(tx *gorm.DB, accountID uint) (*models.Account, error) {
	q := tx
	if tx.Dialector.Name() != DriverSQLite {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var acct models.Account
	if err := q.First(&acct, accountID).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// Close releases the underlying connection pool.
func Close(d *gorm.DB) error {
	sqlDB, err := d.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package database

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN             string `split_words:"true" default:"insight.db"`
	MaxOpenConns    int    `split_words:"true" default:"10"`
	MaxIdleConns    int    `split_words:"true" default:"5"`
	ConnMaxLifetime int    `split_words:"true" default:"3600"`
}

// New opens the database and verifies connectivity. Gorm keeps its own
// connection pool; the pool limits below are the only process-wide state the
// stores share.
func (c *Config) New() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(c.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(c.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}

func (c *Config) MustNew() *gorm.DB {
	db, err := c.New()
	if err != nil {
		panic(err)
	}

	return db
}

package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/trackfill/internal/conf"
	"github.com/tphakala/trackfill/internal/logger"
)

// MySQLStore implements the ledger on MySQL.
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// dsn builds the go-sql-driver DSN from the output settings.
func (store *MySQLStore) dsn() string {
	m := store.Settings.Output.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.Username, m.Password, m.Host, m.Port, m.Database)
}

// Open connects to MySQL and migrates the schema.
func (store *MySQLStore) Open() error {
	m := store.Settings.Output.MySQL

	db, err := gorm.Open(mysql.Open(store.dsn()), &gorm.Config{
		Logger: logger.NewGormLogger(store.log, DefaultSlowQueryThreshold),
	})
	if err != nil {
		store.log.Error("failed to open MySQL database",
			logger.String("host", m.Host),
			logger.String("port", m.Port),
			logger.String("database", m.Database),
			logger.Error(err))
		return dbError(err, "open").
			Context("db_type", "mysql").
			Context("host", m.Host).
			Context("database", m.Database).
			Build()
	}

	store.DB = db
	return performAutoMigration(db, store.log, "MySQL", fmt.Sprintf("%s:%s/%s", m.Host, m.Port, m.Database))
}

// Close closes the connection pool.
func (store *MySQLStore) Close() error {
	err := closeDB(store.DB)
	store.DB = nil
	if err == nil && store.Settings.Debug {
		store.log.Debug("MySQL database connection closed")
	}
	return err
}

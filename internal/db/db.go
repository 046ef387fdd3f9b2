// Package db persists SMDR records, parse failures, connection events and
// alerts in SQLite or MySQL, encrypting sensitive fields on the way in.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/hamzaKhattat/smdr-collector/internal/cipher"
)

// ErrUnsupportedDriver is returned by Open for drivers other than sqlite and mysql.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	// Fixed-width UTC timestamps compare correctly as strings.
	timeLayout = "2006-01-02T15:04:05.000Z"
	dateLayout = "2006-01-02"
)

type Store struct {
	db     *sql.DB
	driver string
	cipher *cipher.FieldCipher
	now    func() time.Time
}

// Open connects, creates the schema if needed and returns a Store. For
// sqlite dsn is a file path; for mysql it is a go-sql-driver DSN and the
// database is created if missing.
func Open(driver, dsn string, fc *cipher.FieldCipher) (*Store, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		conn, err = openSQLite(dsn)
	case DriverMySQL:
		conn, err = openMySQL(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: conn, driver: driver, cipher: fc, now: time.Now}
	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	log.Printf("[DB] %s store ready (encryption %s)", driver, enabledString(fc.Enabled()))
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	conn, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; the pipeline is single-threaded anyway.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN format: %w", err)
	}
	name := cfg.DBName
	if name == "" {
		return nil, fmt.Errorf("invalid DSN format: database name missing")
	}

	// Connect without a database first to create it if needed.
	cfg.DBName = ""
	tempDB, err := sql.Open(DriverMySQL, cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	_, err = tempDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", strings.ReplaceAll(name, "`", "")))
	tempDB.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	conn, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

// MySQLDSN builds a DSN from discrete settings.
func MySQLDSN(user, password, host string, port int, name string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = name
	return cfg.FormatDSN()
}

func (s *Store) createTables() error {
	queries := sqliteSchema
	if s.driver == DriverMySQL {
		queries = mysqlSchema
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Encrypted reports whether sensitive fields are stored ciphered.
func (s *Store) Encrypted() bool {
	return s.cipher.Enabled()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseStamp(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS smdr_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_date TEXT NOT NULL,
		start_time TEXT NOT NULL,
		duration TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		calling_party TEXT NOT NULL,
		called_party TEXT NOT NULL,
		third_party TEXT NOT NULL DEFAULT '',
		trunk_number TEXT NOT NULL DEFAULT '',
		digits_dialed TEXT NOT NULL DEFAULT '',
		account_code TEXT NOT NULL DEFAULT '',
		completion_status TEXT NOT NULL DEFAULT '',
		transfer_flag TEXT NOT NULL DEFAULT '',
		call_identifier TEXT NOT NULL DEFAULT '',
		call_sequence TEXT NOT NULL DEFAULT '',
		associated_identifier TEXT NOT NULL DEFAULT '',
		network_oli TEXT NOT NULL DEFAULT '',
		call_type TEXT NOT NULL,
		raw_line TEXT NOT NULL,
		calling_party_hash TEXT NOT NULL DEFAULT '',
		called_party_hash TEXT NOT NULL DEFAULT '',
		account_code_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_date ON smdr_records(call_date)`,
	`CREATE INDEX IF NOT EXISTS idx_records_calling_hash ON smdr_records(calling_party_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_called_hash ON smdr_records(called_party_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_account_hash ON smdr_records(account_code_hash)`,
	`CREATE TABLE IF NOT EXISTS parse_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_parse_errors_created ON parse_errors(created_at)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connection_events_created ON connection_events(created_at)`,
	`CREATE TABLE IF NOT EXISTS alert_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_created ON alert_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_events_type ON alert_events(type)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS smdr_records (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		call_date VARCHAR(10) NOT NULL,
		start_time VARCHAR(8) NOT NULL,
		duration VARCHAR(16) NOT NULL,
		duration_seconds INT NOT NULL DEFAULT 0,
		calling_party VARCHAR(255) NOT NULL,
		called_party VARCHAR(255) NOT NULL,
		third_party VARCHAR(255) NOT NULL DEFAULT '',
		trunk_number VARCHAR(16) NOT NULL DEFAULT '',
		digits_dialed VARCHAR(255) NOT NULL DEFAULT '',
		account_code VARCHAR(255) NOT NULL DEFAULT '',
		completion_status VARCHAR(4) NOT NULL DEFAULT '',
		transfer_flag VARCHAR(4) NOT NULL DEFAULT '',
		call_identifier VARCHAR(64) NOT NULL DEFAULT '',
		call_sequence VARCHAR(64) NOT NULL DEFAULT '',
		associated_identifier VARCHAR(64) NOT NULL DEFAULT '',
		network_oli VARCHAR(16) NOT NULL DEFAULT '',
		call_type VARCHAR(16) NOT NULL,
		raw_line TEXT NOT NULL,
		calling_party_hash VARCHAR(64) NOT NULL DEFAULT '',
		called_party_hash VARCHAR(64) NOT NULL DEFAULT '',
		account_code_hash VARCHAR(64) NOT NULL DEFAULT '',
		created_at VARCHAR(24) NOT NULL,
		INDEX idx_records_date (call_date),
		INDEX idx_records_calling_hash (calling_party_hash),
		INDEX idx_records_called_hash (called_party_hash),
		INDEX idx_records_account_hash (account_code_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS parse_errors (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		line TEXT NOT NULL,
		reason VARCHAR(128) NOT NULL,
		created_at VARCHAR(24) NOT NULL,
		INDEX idx_parse_errors_created (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		level VARCHAR(8) NOT NULL,
		message TEXT NOT NULL,
		created_at VARCHAR(24) NOT NULL,
		INDEX idx_connection_events_created (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS alert_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		alert_id VARCHAR(36) NOT NULL,
		type VARCHAR(32) NOT NULL,
		message TEXT NOT NULL,
		record_json MEDIUMTEXT NOT NULL,
		created_at VARCHAR(24) NOT NULL,
		INDEX idx_alert_events_created (created_at),
		INDEX idx_alert_events_type (type)
	)`,
}

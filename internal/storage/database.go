package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/askqwen/gptuidemo/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured for driver.
func Open(driver string, cfg *config.Config) (*sql.DB, error) {
	driver = normalizeDriver(driver)
	dbCfg, ok := cfg.Storage.Databases[driver]
	if !ok && driver == "sqlite3" {
		dbCfg, ok = cfg.Storage.Databases["sqlite"]
	}
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", driver)
	}

	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		return OpenSQLite(dbCfg.DSN)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a sqlite database. A single connection is kept so that
// ":memory:" databases are shared by every caller.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func normalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "sqlite", "sqlite3", "":
		return "sqlite3"
	default:
		return d
	}
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch normalizeDriver(driver) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS chats (
				client_id TEXT NOT NULL,
				id TEXT NOT NULL,
				title TEXT NOT NULL,
				model TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (client_id, id)
			)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				client_id TEXT NOT NULL,
				chat_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (client_id, chat_id, seq),
				FOREIGN KEY(client_id, chat_id) REFERENCES chats(client_id, id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS current_chats (
				client_id TEXT NOT NULL PRIMARY KEY,
				chat_id TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(client_id, updated_at DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS chats (
				client_id VARCHAR(64) NOT NULL,
				id VARCHAR(64) NOT NULL,
				title VARCHAR(255) NOT NULL,
				model VARCHAR(255) NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (client_id, id),
				INDEX idx_chats_updated_at (client_id, updated_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				client_id VARCHAR(64) NOT NULL,
				chat_id VARCHAR(64) NOT NULL,
				seq INT NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (client_id, chat_id, seq),
				CONSTRAINT fk_chat_messages_chat FOREIGN KEY (client_id, chat_id) REFERENCES chats(client_id, id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS current_chats (
				client_id VARCHAR(64) NOT NULL PRIMARY KEY,
				chat_id VARCHAR(64) NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

package database

import (
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"lnmarkets-alert-bot/lib/security"

	_ "modernc.org/sqlite"
)

var (
	DB     *sql.DB
	sealer *security.Sealer
)

// InitDB opens the sqlite database, creates the schema and installs the
// sealer used for credentials at rest.
func InitDB(dbPath string, s *security.Sealer) error {
	var err error
	DB, err = sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sealer = s

	createUsersTable := `
	CREATE TABLE IF NOT EXISTS users (
		chat_id INTEGER PRIMARY KEY,
		username TEXT,
		api_key TEXT,
		api_secret TEXT,
		passphrase TEXT,
		created_at INTEGER DEFAULT (unixepoch()),
		updated_at INTEGER DEFAULT (unixepoch())
	);`
	if _, err = DB.Exec(createUsersTable); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	createAlertsTable := `
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL REFERENCES users(chat_id),
		kind TEXT NOT NULL,
		target_value REAL NOT NULL,
		time_window_min INTEGER NOT NULL DEFAULT 0,
		repeating INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		last_triggered_at INTEGER,
		created_at INTEGER DEFAULT (unixepoch())
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_chat_id ON alerts(chat_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(active);`
	if _, err = DB.Exec(createAlertsTable); err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}

	createHistoryTable := `
	CREATE TABLE IF NOT EXISTS price_history (
		ts INTEGER NOT NULL,
		price REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_price_history_ts ON price_history(ts);`
	if _, err = DB.Exec(createHistoryTable); err != nil {
		return fmt.Errorf("failed to create price_history table: %w", err)
	}

	createMetricsTable := `
	CREATE TABLE IF NOT EXISTS metrics (
		metric_name TEXT NOT NULL,
		label_key TEXT DEFAULT NULL,
		label_value TEXT DEFAULT NULL,
		metric_value REAL NOT NULL,
		PRIMARY KEY (metric_name, label_key, label_value)
	);`
	if _, err = DB.Exec(createMetricsTable); err != nil {
		return fmt.Errorf("failed to create metrics table: %w", err)
	}

	log.Println("Database initialized successfully.")
	return nil
}

func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

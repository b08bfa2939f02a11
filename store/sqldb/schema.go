package sqldb

// Dialect names the database/sql driver a Store runs on.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite3"
	DialectMySQL  Dialect = "mysql"
)

// =============================================================================
// SCHEMA - One statement per entry (MySQL rejects multi-statement Exec)
// =============================================================================

// Times are stored as fixed-width UTC text (see timeLayout) so that string
// comparison and ORDER BY agree with chronological order on both dialects.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL,
		min_threshold INTEGER NOT NULL DEFAULT 0,
		unit_cost TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		deactivated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_items_name ON stock_items(name, id)`,

	// seq is the insertion order used to break OccurredAt ties.
	`CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		item_id TEXT NOT NULL REFERENCES stock_items(id),
		direction TEXT NOT NULL CHECK (direction IN ('IN', 'OUT')),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		actor TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('ACTIVE', 'REVERSED')),
		reversal_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// Hot path: balance fold and per-item history
	`CREATE INDEX IF NOT EXISTS idx_transactions_item_occurred
		ON transactions(item_id, occurred_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_occurred
		ON transactions(occurred_at, seq)`,

	`CREATE TABLE IF NOT EXISTS reversals (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		item_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		reversed_at TEXT NOT NULL,
		state TEXT NOT NULL,
		undone_by TEXT,
		undone_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reversals_transaction ON reversals(transaction_id, seq)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		at TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		item_id TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		details_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_item ON audit_log(item_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_transaction ON audit_log(transaction_id, seq)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_items (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		category VARCHAR(255) NOT NULL DEFAULT '',
		unit VARCHAR(64) NOT NULL,
		min_threshold BIGINT NOT NULL DEFAULT 0,
		unit_cost VARCHAR(64) NOT NULL DEFAULT '0',
		active TINYINT(1) NOT NULL DEFAULT 1,
		deactivated_at VARCHAR(40) NULL,
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		INDEX idx_stock_items_name (name, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS transactions (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		item_id VARCHAR(64) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		quantity BIGINT NOT NULL,
		actor VARCHAR(255) NOT NULL,
		occurred_at VARCHAR(40) NOT NULL,
		notes TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		reversal_id VARCHAR(64) NULL,
		idempotency_key VARCHAR(255) NULL UNIQUE,
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		INDEX idx_transactions_item_occurred (item_id, occurred_at, seq),
		INDEX idx_transactions_occurred (occurred_at, seq),
		CONSTRAINT fk_transactions_item FOREIGN KEY (item_id) REFERENCES stock_items(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reversals (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		transaction_id VARCHAR(64) NOT NULL,
		item_id VARCHAR(64) NOT NULL,
		reason TEXT NOT NULL,
		actor VARCHAR(255) NOT NULL,
		reversed_at VARCHAR(40) NOT NULL,
		state VARCHAR(16) NOT NULL,
		undone_by VARCHAR(255) NULL,
		undone_at VARCHAR(40) NULL,
		INDEX idx_reversals_transaction (transaction_id, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		at VARCHAR(40) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		action VARCHAR(64) NOT NULL,
		item_id VARCHAR(64) NOT NULL DEFAULT '',
		transaction_id VARCHAR(64) NOT NULL DEFAULT '',
		details_json TEXT NULL,
		INDEX idx_audit_item (item_id, seq),
		INDEX idx_audit_transaction (transaction_id, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

func (d Dialect) schema() []string {
	if d == DialectMySQL {
		return mysqlSchema
	}
	return sqliteSchema
}

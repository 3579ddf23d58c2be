package audit

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/types"
)

var _ interfaces.AuditStore = (*SQLite)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	outcome   TEXT NOT NULL,
	reason    TEXT,
	detail    TEXT,
	direction INTEGER,
	size      REAL,
	entry     REAL,
	stop      REAL,
	target    REAL
);
CREATE TABLE IF NOT EXISTS orders (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT NOT NULL,
	event      TEXT NOT NULL,
	order_id   TEXT,
	client_key TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT,
	type       TEXT,
	state      TEXT,
	requested  REAL,
	filled     REAL,
	avg_price  REAL,
	retries    INTEGER,
	last_error TEXT
);
CREATE TABLE IF NOT EXISTS positions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          TEXT NOT NULL,
	event       TEXT NOT NULL,
	position_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	direction   INTEGER,
	size        REAL,
	entry       REAL,
	exit_price  REAL,
	realized    REAL,
	reason      TEXT
);
`

// SQLite is the queryable audit store. All tables are INSERT-only; rows are
// never updated or deleted by the engine.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver is not safe for concurrent writers on one connection set
	// beyond this; audit volume is low, a single connection keeps SQLITE_BUSY
	// away.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) RecordDecision(ctx context.Context, d *types.RiskDecision, rej *types.Rejection) error {
	if rej != nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO decisions (at, symbol, outcome, reason, detail) VALUES (?, ?, 'rejected', ?, ?)`,
			stamp(), rej.Symbol, string(rej.Reason), rej.Detail)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (at, symbol, outcome, direction, size, entry, stop, target)
		 VALUES (?, ?, 'accepted', ?, ?, ?, ?, ?)`,
		stamp(), d.Symbol, int(d.Direction), d.Size, d.EntryPrice, d.StopPrice, d.TargetPrice)
	return err
}

func (s *SQLite) RecordOrder(ctx context.Context, event string, o types.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (at, event, order_id, client_key, symbol, side, type, state, requested, filled, avg_price, retries, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stamp(), event, o.ID, o.ClientKey, o.Symbol, string(o.Side), string(o.Type), string(o.State),
		o.RequestedSize, o.FilledSize, o.AvgFillPrice, o.RetryCount, o.LastError)
	return err
}

func (s *SQLite) RecordPositionOpen(ctx context.Context, p types.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (at, event, position_id, symbol, direction, size, entry)
		 VALUES (?, 'open', ?, ?, ?, ?, ?)`,
		stamp(), p.ID, p.Symbol, int(p.Direction), p.Size, p.EntryPrice)
	return err
}

func (s *SQLite) RecordPositionClose(ctx context.Context, c types.ClosedPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (at, event, position_id, symbol, direction, size, entry, exit_price, realized, reason)
		 VALUES (?, 'close', ?, ?, ?, ?, ?, ?, ?, ?)`,
		stamp(), c.PositionID, c.Symbol, int(c.Direction), c.Size, c.EntryPrice, c.ExitPrice, c.Realized, string(c.Reason))
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

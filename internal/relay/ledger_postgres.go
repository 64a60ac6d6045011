package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLedgerTableName  = "swarm_relay_dedup_ledger"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLedger keeps the dedup ledger in a single Postgres table, one row
// per hash. Connection setup is lazy and happens once.
type PostgresLedger struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLedger{
		dsn:       dsn,
		tableName: postgresLedgerTableName,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresLedger) Load() (*ledgerDocument, error) {
	if l == nil {
		return nil, nil
	}
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT hash, metadata, first_seen FROM %s", postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	doc := &ledgerDocument{Entries: map[string]LedgerEntry{}}
	for rows.Next() {
		var hash, firstSeen string
		var metadataRaw []byte
		if err := rows.Scan(&hash, &metadataRaw, &firstSeen); err != nil {
			return nil, err
		}
		entry := LedgerEntry{Hash: hash, FirstSeen: firstSeen}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &entry.Metadata); err != nil {
				return nil, err
			}
		}
		doc.Entries[hash] = entry
	}
	return doc, rows.Err()
}

func (l *PostgresLedger) Save(doc *ledgerDocument) error {
	if l == nil || doc == nil {
		return nil
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (hash, metadata, first_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO NOTHING`, postgresQuoteIdentifier(l.tableName))
	for _, entry := range doc.Entries {
		metadataRaw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsert, entry.Hash, metadataRaw, entry.FirstSeen); err != nil {
			return err
		}
	}
	if len(doc.Entries) == 0 {
		truncate := fmt.Sprintf("TRUNCATE %s", postgresQuoteIdentifier(l.tableName))
		if _, err := tx.ExecContext(ctx, truncate); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *PostgresLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *PostgresLedger) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				hash TEXT PRIMARY KEY,
				metadata JSONB,
				first_seen TEXT NOT NULL
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

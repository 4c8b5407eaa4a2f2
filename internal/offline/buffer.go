package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Entry is one author-side action captured while disconnected. OfflineID
// is generated client-side and keys the idempotent replay.
type Entry struct {
	OfflineID   string    `json:"offline_id"`
	CreatedAt   time.Time `json:"created_at"`
	SchoolID    uint      `json:"school_id"`
	RecipientID uint      `json:"recipient_id"`
	Category    string    `json:"category"`
	Severity    string    `json:"severity"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Channels    []string  `json:"channels"`
}

// Buffer is the append-only local log. Appending never waits on sync
// state; replay happens on reconnect, strictly in creation order.
type Buffer struct {
	db  *sql.DB
	log zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS offline_entries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	offline_id  TEXT NOT NULL UNIQUE,
	created_at  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	last_error  TEXT NOT NULL DEFAULT ''
);`

func Open(log zerolog.Logger, path string) (*Buffer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open offline buffer: %w", err)
	}

	// Single local writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init offline buffer: %w", err)
	}

	return &Buffer{db: db, log: log}, nil
}

// Append records one action. A duplicate offline id is a no-op so a
// client retrying its own write cannot double the entry.
func (b *Buffer) Append(e Entry) error {
	if e.OfflineID == "" {
		return fmt.Errorf("offline entry needs an offline id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	_, err = b.db.Exec(
		`INSERT OR IGNORE INTO offline_entries (offline_id, created_at, payload) VALUES (?, ?, ?)`,
		e.OfflineID, e.CreatedAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	return err
}

// Replay applies every buffered entry in original creation order. apply
// must be idempotent on OfflineID; entries it accepts are pruned, entries
// it rejects stay for the next reconnect. Returns how many were synced.
func (b *Buffer) Replay(ctx context.Context, apply func(Entry) error) (int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, payload FROM offline_entries ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id      int64
		payload string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.payload); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, p)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	synced := 0
	for _, p := range batch {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}

		var e Entry
		if err := json.Unmarshal([]byte(p.payload), &e); err != nil {
			// Unreadable rows can never sync; drop them rather than
			// wedge the buffer.
			b.log.Error().Int64("entry", p.id).Err(err).Msg("dropping corrupt offline entry")
			if _, derr := b.db.Exec(`DELETE FROM offline_entries WHERE id = ?`, p.id); derr != nil {
				return synced, derr
			}
			continue
		}

		if err := apply(e); err != nil {
			b.log.Warn().Str("offline_id", e.OfflineID).Err(err).Msg("offline entry failed to sync, keeping")
			if _, uerr := b.db.Exec(`UPDATE offline_entries SET last_error = ? WHERE id = ?`, err.Error(), p.id); uerr != nil {
				return synced, uerr
			}
			continue
		}

		if _, err := b.db.Exec(`DELETE FROM offline_entries WHERE id = ?`, p.id); err != nil {
			return synced, err
		}
		synced++
	}

	return synced, nil
}

// Pending counts entries still waiting to sync.
func (b *Buffer) Pending() (int, error) {
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM offline_entries`).Scan(&n)
	return n, err
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

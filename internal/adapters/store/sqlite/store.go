// Package sqlite is a core.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
)

var _ core.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("module", "store.sqlite").Str("path", path).Msg("database initialized")
	return &Store{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		canvas_state TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, rec domain.Record) error {
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, owner, canvas_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		string(rec.ID), string(rec.Owner), nullCanvas(rec.Canvas), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRoomExists
	}
	for _, u := range rec.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)",
			string(rec.ID), string(u),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, id domain.RoomID) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT owner, canvas_state, created_at, updated_at FROM rooms WHERE id = ?",
		string(id),
	)

	var (
		rec              = domain.Record{ID: id}
		owner            string
		canvas           sql.NullString
		created, updated int64
	)
	err := row.Scan(&owner, &canvas, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Owner = domain.UserID(owner)
	if canvas.Valid {
		rec.Canvas = json.RawMessage(canvas.String)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id", string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		rec.Members = append(rec.Members, domain.UserID(u))
	}
	return &rec, rows.Err()
}

func (s *Store) Save(ctx context.Context, id domain.RoomID, canvas json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE rooms SET canvas_state = ?, updated_at = ? WHERE id = ?",
		nullCanvas(canvas), s.now().UTC().UnixMilli(), string(id),
	)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *Store) Delete(ctx context.Context, id domain.RoomID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM room_members WHERE room_id = ?", string(id)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", string(id))
	if err != nil {
		return err
	}
	if err := affected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	return s.withRoom(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)",
			string(id), string(user))
		return err
	})
}

func (s *Store) RemoveMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	return s.withRoom(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM room_members WHERE room_id = ? AND user_id = ?",
			string(id), string(user))
		return err
	})
}

// withRoom runs fn in a transaction after checking that the room exists.
func (s *Store) withRoom(ctx context.Context, id domain.RoomID, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

func nullCanvas(canvas json.RawMessage) sql.NullString {
	if len(canvas) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(canvas), Valid: true}
}

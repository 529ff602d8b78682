// Package store persists client state across restarts: the last confirmed
// playlist document and a warm cache of song metadata. Restored state is
// display-only and is replaced by the first authoritative snapshot after
// connecting.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
)

// Store is the on-disk persistence collaborator, backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Debug("store opened", logging.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS playlist (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			doc TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS songs (
			id INTEGER PRIMARY KEY,
			artist TEXT NOT NULL,
			title TEXT NOT NULL,
			duration REAL NOT NULL DEFAULT 0,
			artwork_url TEXT NOT NULL DEFAULT '',
			cached_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_songs_cached_at ON songs(cached_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SavePlaylist stores the playlist document, replacing any previous one.
func (s *Store) SavePlaylist(doc *protocol.PlaylistDoc) error {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode playlist: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO playlist (id, doc, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, saved_at = excluded.saved_at`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save playlist: %w", err)
	}
	return nil
}

// LoadPlaylist returns the persisted playlist document, or nil when none
// has been saved yet.
func (s *Store) LoadPlaylist() (*protocol.PlaylistDoc, error) {
	var data string
	err := s.db.QueryRow(`SELECT doc FROM playlist WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load playlist: %w", err)
	}
	var doc protocol.PlaylistDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	return &doc, nil
}

// SaveSongs upserts song metadata into the warm cache.
func (s *Store) SaveSongs(songs []protocol.Song) error {
	if len(songs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save songs: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, song := range songs {
		_, err := tx.Exec(
			`INSERT INTO songs (id, artist, title, duration, artwork_url, cached_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				artist = excluded.artist,
				title = excluded.title,
				duration = excluded.duration,
				artwork_url = excluded.artwork_url,
				cached_at = excluded.cached_at`,
			song.ID, song.Artist, song.Title, song.Duration, song.ArtworkURL, now,
		)
		if err != nil {
			return fmt.Errorf("save song %d: %w", song.ID, err)
		}
	}
	return tx.Commit()
}

// LoadSongs returns warm-cache songs no older than maxAge; maxAge <= 0
// loads everything. Stale rows are pruned on the way out.
func (s *Store) LoadSongs(maxAge time.Duration) ([]protocol.Song, error) {
	var cutoff string
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
		if _, err := s.db.Exec(`DELETE FROM songs WHERE cached_at < ?`, cutoff); err != nil {
			logging.Warn("pruning stale songs failed", logging.Err(err))
		}
	}

	rows, err := s.db.Query(`SELECT id, artist, title, duration, artwork_url FROM songs`)
	if err != nil {
		return nil, fmt.Errorf("load songs: %w", err)
	}
	defer rows.Close()

	var songs []protocol.Song
	for rows.Next() {
		var song protocol.Song
		if err := rows.Scan(&song.ID, &song.Artist, &song.Title, &song.Duration, &song.ArtworkURL); err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		songs = append(songs, song)
	}
	return songs, rows.Err()
}

// DefaultPath returns the default store location under the user config
// directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "karaokev2", "client.db")
}

// Package db persists acquisition sessions and per-tick records to sqlite.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/httputil"
	"github.com/banshee-data/tofsense/internal/monitoring"
	"github.com/banshee-data/tofsense/internal/proximity"
	"github.com/banshee-data/tofsense/internal/sampler"
	"github.com/banshee-data/tofsense/internal/serialport"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the database at path and brings its schema up to
// date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if version, dirty, err := db.MigrateVersion(); err == nil {
		monitoring.Logf("[db] %s at schema version %d (dirty=%t)", filepath.Base(path), version, dirty)
	}
	return db, nil
}

// OpenDB opens the database at path without touching its schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Session describes one run of the acquisition pipeline.
type Session struct {
	ID        string                 `json:"id"`
	StartedAt time.Time              `json:"started_at"`
	StoppedAt *time.Time             `json:"stopped_at,omitempty"`
	Port      string                 `json:"port"`
	Options   serialport.PortOptions `json:"port_options"`
	Layout    frame.Layout           `json:"layout"`
	Limit     int                    `json:"limit"`
	Window    int                    `json:"window_size"`
}

func (s *Session) String() string {
	return fmt.Sprintf("Session %s: %s %s, %s, limit %d, window %d, started %s",
		s.ID, s.Port, s.Options, s.Layout, s.Limit, s.Window, s.StartedAt.Format(time.RFC3339))
}

// StartSession records a new session and returns it with a fresh id.
func (db *DB) StartSession(port string, opts serialport.PortOptions, layout frame.Layout, limit, window int) (*Session, error) {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Port:      port,
		Options:   opts,
		Layout:    layout,
		Limit:     limit,
		Window:    window,
	}
	_, err = db.Exec(`
		INSERT INTO sessions (session_id, started_at, port, port_options, channel_count, bytes_per_channel, limit_value, window_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), port, string(optsJSON), layout.Channels, int(layout.Width), limit, window)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// EndSession stamps the stop time of a session.
func (db *DB) EndSession(id string) error {
	res, err := db.Exec("UPDATE sessions SET stopped_at = ? WHERE session_id = ?", time.Now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Sessions returns every session, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT session_id, started_at, stopped_at, port, port_options, channel_count, bytes_per_channel, limit_value, window_size
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s        Session
			started  int64
			stopped  sql.NullInt64
			optsJSON string
			width    int
		)
		if err := rows.Scan(&s.ID, &started, &stopped, &s.Port, &optsJSON, &s.Layout.Channels, &width, &s.Limit, &s.Window); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(optsJSON), &s.Options); err != nil {
			return nil, fmt.Errorf("session %s: bad port options: %w", s.ID, err)
		}
		s.Layout.Width = frame.Width(width)
		s.StartedAt = time.Unix(0, started).UTC()
		if stopped.Valid {
			t := time.Unix(0, stopped.Int64).UTC()
			s.StoppedAt = &t
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// RecordResult stores one tick of a session.
func (db *DB) RecordResult(sessionID string, rec sampler.Record) error {
	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return err
	}
	effective, err := json.Marshal(rec.Effective)
	if err != nil {
		return err
	}
	stuck, err := json.Marshal(rec.Stuck)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO samples (session_id, seq, ts_unix_nanos, interval_ns, raw, effective, stuck, min_raw, min_effective, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(rec.Seq), rec.Time.UnixNano(), int64(rec.Interval),
		string(raw), string(effective), string(stuck),
		rec.MinRaw, rec.MinEffective, rec.Category.String())
	return err
}

// Samples returns up to limit records of a session, newest first. A limit of
// zero or less returns the 500 most recent.
func (db *DB) Samples(sessionID string, limit int) ([]sampler.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT seq, ts_unix_nanos, interval_ns, raw, effective, stuck, min_raw, min_effective, category
		FROM samples WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []sampler.Record
	for rows.Next() {
		var (
			rec                   sampler.Record
			seq, ts, interval     int64
			raw, effective, stuck string
			category              string
		)
		if err := rows.Scan(&seq, &ts, &interval, &raw, &effective, &stuck, &rec.MinRaw, &rec.MinEffective, &category); err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		rec.Time = time.Unix(0, ts).UTC()
		rec.Interval = time.Duration(interval)
		rec.FirstTick = seq == 1
		for _, col := range []struct {
			src string
			dst any
		}{{raw, &rec.Raw}, {effective, &rec.Effective}, {stuck, &rec.Stuck}} {
			if err := json.Unmarshal([]byte(col.src), col.dst); err != nil {
				return nil, fmt.Errorf("sample %d: %w", seq, err)
			}
		}
		if rec.Category, err = proximity.ParseCategory(category); err != nil {
			return nil, fmt.Errorf("sample %d: %w", seq, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// AttachAdminRoutes mounts the SQL console, a backup download and JSON views
// of the logged sessions on the tsweb debug page of mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "tofsense log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
	debug.HandleFunc("db/sessions", "Logged sessions, newest first (JSON)", db.handleSessions)
	debug.HandleSilentFunc("db/samples", db.handleSamples)
	return nil
}

func (db *DB) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := db.Sessions()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	httputil.WriteJSON(w, http.StatusOK, sessions)
}

// handleSamples serves /debug/db/samples?session=<id>[&limit=n].
func (db *DB) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("session")
	if id == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'session' parameter")
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid 'limit' parameter %q", s))
			return
		}
		limit = n
	}
	records, err := db.Samples(id, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read samples: %v", err))
		return
	}
	if records == nil {
		records = []sampler.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("tofsense-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("[db] failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	if info, err := backupFile.Stat(); err == nil {
		monitoring.Logf("[db] serving backup %s (%s)", filepath.Base(backupPath), humanize.Bytes(uint64(info.Size())))
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("[db] backup copy failed: %v", err)
	}
}

package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// SessionRecord represents one processing run stored in the database
type SessionRecord struct {
	ID          string
	Source      string
	Tracker     string
	Confidence  float64
	ZoneCenter  int
	ZoneOffset  int
	StartedAt   time.Time
	StoppedAt   *time.Time
	StopReason  string
	Error       string
	Total       int
	TotalFrames uint64
}

// CrossingRecord represents one counted identity
type CrossingRecord struct {
	ID         string
	SessionID  string
	FrameSeq   uint64
	TrackID    int
	Category   string
	Trigger    string
	Confidence float64
	CentroidX  int
	CentroidY  int
	Timestamp  time.Time
}

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// New creates a new database connection. Foreign keys and a busy timeout
// are set on every pooled connection through the DSN.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveSession inserts a session row
func (d *Database) SaveSession(s *SessionRecord) error {
	query := `INSERT INTO sessions
		(id, source, tracker, confidence, zone_center, zone_offset, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, s.ID, s.Source, s.Tracker, s.Confidence,
		s.ZoneCenter, s.ZoneOffset, s.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FinishSession records how a session ended
func (d *Database) FinishSession(id string, stoppedAt time.Time, reason, errMsg string, total int, totalFrames uint64) error {
	query := `UPDATE sessions SET stopped_at = ?, stop_reason = ?, error = ?, total = ?, total_frames = ?
		WHERE id = ?`

	result, err := d.db.Exec(query, stoppedAt.UTC(), reason, errMsg, total, totalFrames, id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, source, tracker, confidence, zone_center, zone_offset,
	started_at, stopped_at, stop_reason, error, total, total_frames`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var s SessionRecord
	var stoppedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Source, &s.Tracker, &s.Confidence, &s.ZoneCenter, &s.ZoneOffset,
		&s.StartedAt, &stoppedAt, &s.StopReason, &s.Error, &s.Total, &s.TotalFrames); err != nil {
		return nil, err
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	return &s, nil
}

// GetSession retrieves a session by ID
func (d *Database) GetSession(id string) (*SessionRecord, error) {
	row := d.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions, newest first
func (d *Database) ListSessions(limit int) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SaveCrossing inserts a crossing. An identity is stored at most once per
// session; a repeat insert is ignored.
func (d *Database) SaveCrossing(c *CrossingRecord) error {
	query := `INSERT INTO crossings
		(id, session_id, frame_seq, track_id, category, crossing_type, confidence, centroid_x, centroid_y, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, track_id) DO NOTHING`

	_, err := d.db.Exec(query, c.ID, c.SessionID, c.FrameSeq, c.TrackID, c.Category, c.Trigger,
		c.Confidence, c.CentroidX, c.CentroidY, c.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save crossing: %w", err)
	}
	return nil
}

// ListCrossings returns a session's crossings in count order with optional filtering
func (d *Database) ListCrossings(sessionID string, since *time.Time, limit int) ([]*CrossingRecord, error) {
	query := `SELECT id, session_id, frame_seq, track_id, category, crossing_type, confidence,
		centroid_x, centroid_y, timestamp
		FROM crossings WHERE session_id = ?`
	args := []any{sessionID}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY frame_seq ASC, track_id ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list crossings: %w", err)
	}
	defer rows.Close()

	var crossings []*CrossingRecord
	for rows.Next() {
		var c CrossingRecord
		if err := rows.Scan(&c.ID, &c.SessionID, &c.FrameSeq, &c.TrackID, &c.Category, &c.Trigger,
			&c.Confidence, &c.CentroidX, &c.CentroidY, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan crossing: %w", err)
		}
		crossings = append(crossings, &c)
	}
	return crossings, rows.Err()
}

// CategoryTotals returns the number of crossings per category for a session
func (d *Database) CategoryTotals(sessionID string) (map[string]int, error) {
	rows, err := d.db.Query(`SELECT category, COUNT(*) FROM crossings
		WHERE session_id = ? GROUP BY category`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to total crossings: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		totals[category] = n
	}
	return totals, rows.Err()
}

// DeleteOldSessions deletes sessions started before the given time, with their crossings
func (d *Database) DeleteOldSessions(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM sessions WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	return result.RowsAffected()
}

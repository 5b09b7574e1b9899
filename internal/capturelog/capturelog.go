// Package capturelog reads the capture companion app's session database.
// Access is strictly read-only: the capture app owns the file and may be
// writing to it while a stacking job resolves its inputs.
package capturelog

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Session summarizes one imaging session from the capture log.
type Session struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`
	Frames    int       `json:"frames"`
}

// FrameSet holds the session's frame paths grouped by role.
type FrameSet struct {
	Lights []string `json:"lights"`
	Darks  []string `json:"darks"`
	Flats  []string `json:"flats"`
	Biases []string `json:"biases"`
}

// DB is a read-only handle on the capture log database.
type DB struct {
	path string
	db   *sql.DB
	log  *slog.Logger
}

// Open connects read-only to the capture log at path.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("capture log not found at %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("opening capture log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("capture log ping failed: %w", err)
	}

	logger.Debug("connected to capture log", "path", path)
	return &DB{path: path, db: db, log: logger}, nil
}

// Close releases the database connection.
func (c *DB) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Sessions returns the most recent imaging sessions, newest first.
func (c *DB) Sessions(limit int) ([]Session, error) {
	rows, err := c.db.Query(`
		SELECT s.id, s.target, s.started_at, COUNT(f.id)
		FROM sessions s
		LEFT JOIN frames f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var startedUnix int64
		if err := rows.Scan(&s.ID, &s.Target, &startedUnix, &s.Frames); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		s.StartedAt = time.Unix(startedUnix, 0)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionFrames resolves a session ID to its frame paths grouped by role.
// Unknown frame types are logged and skipped rather than failing the whole
// session.
func (c *DB) SessionFrames(sessionID string) (*FrameSet, error) {
	rows, err := c.db.Query(`
		SELECT frame_type, file_path
		FROM frames
		WHERE session_id = ?
		ORDER BY captured_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying frames for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	set := &FrameSet{}
	for rows.Next() {
		var frameType, path string
		if err := rows.Scan(&frameType, &path); err != nil {
			return nil, fmt.Errorf("scanning frame row: %w", err)
		}
		switch strings.ToLower(frameType) {
		case "light":
			set.Lights = append(set.Lights, path)
		case "dark":
			set.Darks = append(set.Darks, path)
		case "flat":
			set.Flats = append(set.Flats, path)
		case "bias", "offset":
			set.Biases = append(set.Biases, path)
		default:
			c.log.Warn("unknown frame type in capture log", "session", sessionID, "type", frameType, "path", path)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(set.Lights) == 0 && len(set.Darks) == 0 && len(set.Flats) == 0 && len(set.Biases) == 0 {
		return nil, fmt.Errorf("session %s has no frames", sessionID)
	}
	return set, nil
}

// LatestSession returns the most recently started session.
func (c *DB) LatestSession() (*Session, error) {
	sessions, err := c.Sessions(1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("capture log has no sessions")
	}
	return &sessions[0], nil
}

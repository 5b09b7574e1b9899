package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs and per-frame diagnostics.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stacking_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_diagnostics (
            job_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            file_path TEXT,
            score REAL,
            median_fwhm REAL,
            ellipticity REAL,
            star_count INTEGER,
            matched_stars INTEGER,
            rms_error REAL,
            dx REAL,
            dy REAL,
            PRIMARY KEY (job_id, frame_index)
        );`,
		`CREATE TABLE IF NOT EXISTS frame_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            file_path TEXT NOT NULL,
            event_type TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            file_size INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_diagnostics_job ON frame_diagnostics(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_frame_events_file_path ON frame_events(file_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FrameDiagnostic captures one frame's quality and alignment outcome.
type FrameDiagnostic struct {
	JobID        string
	FrameIndex   int
	FilePath     string
	Score        float64
	MedianFWHM   float64
	Ellipticity  float64
	StarCount    int
	MatchedStars int
	RMSError     float64
	DX, DY       float64
}

// FrameEvent captures one observed file arrival or change.
type FrameEvent struct {
	FilePath  string
	EventType string
	EventTime time.Time
	FileSize  int64
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stacking_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE stacking_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE stacking_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM stacking_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrameDiagnostics persists per-frame quality and alignment results
// after a completed job.
func (s *Store) RecordFrameDiagnostics(diags []FrameDiagnostic) error {
	if s == nil || len(diags) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	for _, d := range diags {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO frame_diagnostics
            (job_id, frame_index, file_path, score, median_fwhm, ellipticity, star_count, matched_stars, rms_error, dx, dy)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			d.JobID, d.FrameIndex, d.FilePath, d.Score, d.MedianFWHM, d.Ellipticity,
			d.StarCount, d.MatchedStars, d.RMSError, d.DX, d.DY); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// FrameDiagnostics loads the per-frame diagnostics for one job in frame order.
func (s *Store) FrameDiagnostics(jobID string) ([]FrameDiagnostic, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, frame_index, file_path, score, median_fwhm, ellipticity, star_count, matched_stars, rms_error, dx, dy
        FROM frame_diagnostics WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diags []FrameDiagnostic
	for rows.Next() {
		var d FrameDiagnostic
		if err := rows.Scan(&d.JobID, &d.FrameIndex, &d.FilePath, &d.Score, &d.MedianFWHM, &d.Ellipticity,
			&d.StarCount, &d.MatchedStars, &d.RMSError, &d.DX, &d.DY); err != nil {
			return nil, err
		}
		diags = append(diags, d)
	}
	return diags, nil
}

// RecordFrameEvent stores one watcher observation.
func (s *Store) RecordFrameEvent(ev FrameEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO frame_events (file_path, event_type, event_time, file_size) VALUES (?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime, ev.FileSize)
	return err
}

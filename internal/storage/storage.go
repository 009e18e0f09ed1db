package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // "sqlite3", cgo
	_ "modernc.org/sqlite"          // "sqlite", pure Go
)

// DefaultDriver is the pure Go SQLite driver.
const DefaultDriver = "sqlite"

const timeLayout = time.RFC3339Nano

// Store wraps SQLite-backed persistence for jobs, inputs and merge steps.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DefaultDriver, path)
}

// Open opens the database with the named driver ("sqlite" or "sqlite3")
// and migrates the schema to the latest version.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
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
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	Inputs      []string   `json:"inputs"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ImageMetadata captures the EXIF details of one stitch input.
type ImageMetadata struct {
	JobID       string    `json:"job_id"`
	Seq         int       `json:"seq"`
	FilePath    string    `json:"file_path"`
	CameraMake  string    `json:"camera_make,omitempty"`
	CameraModel string    `json:"camera_model,omitempty"`
	FocalLength float64   `json:"focal_length,omitempty"`
	ISO         int       `json:"iso,omitempty"`
	Orientation int       `json:"orientation,omitempty"`
	Taken       time.Time `json:"taken,omitempty"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
}

// StepRecord is one persisted merge step.
type StepRecord struct {
	JobID        string     `json:"job_id"`
	Step         int        `json:"step"`
	Matches      int        `json:"matches"`
	Inliers      int        `json:"inliers"`
	RMSE         float64    `json:"rmse"`
	CanvasWidth  int        `json:"canvas_width"`
	CanvasHeight int        `json:"canvas_height"`
	OffsetX      int        `json:"offset_x"`
	OffsetY      int        `json:"offset_y"`
	Homography   [9]float64 `json:"homography"`
	DurationMS   int64      `json:"duration_ms"`
}

func now() string { return time.Now().UTC().Format(timeLayout) }

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	inputs, _ := json.Marshal(rec.Inputs)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, inputs_json, output_path, options_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, string(inputs), rec.OutputPath, rec.OptionsJSON, now())
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=? WHERE id=?;`, now(), id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	ts := now()
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=?, error_message=? WHERE id=?;`, status, ts, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json, created_at) VALUES (?, ?, ?);`, id, string(metaJSON), ts)
	return err
}

const jobColumns = `id, job_type, status, inputs_json, output_path, options_json, created_at, started_at, completed_at, error_message`

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobByID returns one job. sql.ErrNoRows when absent.
func (s *Store) JobByID(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var (
		rec                          JobRecord
		inputs, output, opts, errMsg sql.NullString
		created                      string
		started, completed           sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &inputs, &output, &opts, &created, &started, &completed, &errMsg); err != nil {
		return JobRecord{}, err
	}
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &rec.Inputs); err != nil {
			return JobRecord{}, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	rec.OutputPath, rec.OptionsJSON, rec.Error = output.String, opts.String, errMsg.String
	rec.CreatedAt, _ = time.Parse(timeLayout, created)
	rec.StartedAt = parseNullTime(started)
	rec.CompletedAt = parseNullTime(completed)
	return rec, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
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

// RecordImageMetadata stores the EXIF details of an input.
func (s *Store) RecordImageMetadata(meta ImageMetadata) error {
	if s == nil {
		return nil
	}
	var taken any
	if !meta.Taken.IsZero() {
		taken = meta.Taken.UTC().Format(timeLayout)
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_metadata (job_id, seq, file_path, camera_make, camera_model, focal_length, iso, orientation, taken_at, width, height)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.JobID, meta.Seq, meta.FilePath, meta.CameraMake, meta.CameraModel, meta.FocalLength, meta.ISO, meta.Orientation, taken, meta.Width, meta.Height)
	return err
}

// ImageMetadataForJob lists the recorded inputs of a job in order.
func (s *Store) ImageMetadataForJob(jobID string) ([]ImageMetadata, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, seq, file_path, camera_make, camera_model, focal_length, iso, orientation, taken_at, width, height FROM image_metadata WHERE job_id=? ORDER BY seq;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageMetadata
	for rows.Next() {
		var m ImageMetadata
		var taken sql.NullString
		if err := rows.Scan(&m.JobID, &m.Seq, &m.FilePath, &m.CameraMake, &m.CameraModel, &m.FocalLength, &m.ISO, &m.Orientation, &taken, &m.Width, &m.Height); err != nil {
			return nil, err
		}
		if t := parseNullTime(taken); t != nil {
			m.Taken = *t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordStitchStep persists one merge.
func (s *Store) RecordStitchStep(rec StepRecord) error {
	if s == nil {
		return nil
	}
	h, err := json.Marshal(rec.Homography)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO stitch_steps (job_id, step, matches, inliers, rmse, canvas_width, canvas_height, offset_x, offset_y, homography_json, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.Step, rec.Matches, rec.Inliers, rec.RMSE, rec.CanvasWidth, rec.CanvasHeight, rec.OffsetX, rec.OffsetY, string(h), rec.DurationMS)
	return err
}

// StitchSteps returns a job's merge steps in order.
func (s *Store) StitchSteps(jobID string) ([]StepRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, step, matches, inliers, rmse, canvas_width, canvas_height, offset_x, offset_y, homography_json, duration_ms FROM stitch_steps WHERE job_id=? ORDER BY step;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		var h string
		if err := rows.Scan(&r.JobID, &r.Step, &r.Matches, &r.Inliers, &r.RMSE, &r.CanvasWidth, &r.CanvasHeight, &r.OffsetX, &r.OffsetY, &h, &r.DurationMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(h), &r.Homography); err != nil {
			return nil, fmt.Errorf("unmarshal homography: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

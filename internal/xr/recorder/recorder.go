// Package recorder stores received frames in a sqlite database so sessions
// can be inspected or plotted later.
package recorder

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/xrbridge/internal/monitoring"
	"github.com/banshee-data/xrbridge/internal/xr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownSession is returned when recording into a session that was never
// started.
var ErrUnknownSession = errors.New("unknown recording session")

// Recorder writes frames to sqlite. It is safe for concurrent use, though the
// bridge only records from the frame stream's dispatcher.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

// Session describes one recording.
type Session struct {
	ID        string
	Source    string
	StartedAt time.Time
	Frames    int
}

// RecordedFrame is a stored frame with its sequence number within the
// session and the time it was recorded.
type RecordedFrame struct {
	Seq        int64
	RecordedAt time.Time
	Frame      xr.Frame
}

// frameColumns maps the numeric frame columns to Frame fields, in table
// order.
var frameColumns = []struct {
	name  string
	field func(*xr.Frame) *float64
}{
	{"left_rot_x", func(f *xr.Frame) *float64 { return &f.LeftRotation.X }},
	{"left_rot_y", func(f *xr.Frame) *float64 { return &f.LeftRotation.Y }},
	{"left_rot_z", func(f *xr.Frame) *float64 { return &f.LeftRotation.Z }},
	{"left_rot_w", func(f *xr.Frame) *float64 { return &f.LeftRotation.W }},
	{"left_thumb_x", func(f *xr.Frame) *float64 { return &f.LeftThumbX }},
	{"left_thumb_y", func(f *xr.Frame) *float64 { return &f.LeftThumbY }},
	{"left_pos_x", func(f *xr.Frame) *float64 { return &f.LeftPosition.X }},
	{"left_pos_y", func(f *xr.Frame) *float64 { return &f.LeftPosition.Y }},
	{"left_pos_z", func(f *xr.Frame) *float64 { return &f.LeftPosition.Z }},
	{"right_rot_x", func(f *xr.Frame) *float64 { return &f.RightRotation.X }},
	{"right_rot_y", func(f *xr.Frame) *float64 { return &f.RightRotation.Y }},
	{"right_rot_z", func(f *xr.Frame) *float64 { return &f.RightRotation.Z }},
	{"right_rot_w", func(f *xr.Frame) *float64 { return &f.RightRotation.W }},
	{"right_thumb_x", func(f *xr.Frame) *float64 { return &f.RightThumbX }},
	{"right_thumb_y", func(f *xr.Frame) *float64 { return &f.RightThumbY }},
	{"right_pos_x", func(f *xr.Frame) *float64 { return &f.RightPosition.X }},
	{"right_pos_y", func(f *xr.Frame) *float64 { return &f.RightPosition.Y }},
	{"right_pos_z", func(f *xr.Frame) *float64 { return &f.RightPosition.Z }},
	{"head_rot_x", func(f *xr.Frame) *float64 { return &f.HeadRotation.X }},
	{"head_rot_y", func(f *xr.Frame) *float64 { return &f.HeadRotation.Y }},
	{"head_rot_z", func(f *xr.Frame) *float64 { return &f.HeadRotation.Z }},
	{"head_rot_w", func(f *xr.Frame) *float64 { return &f.HeadRotation.W }},
	{"head_pos_x", func(f *xr.Frame) *float64 { return &f.HeadPosition.X }},
	{"head_pos_y", func(f *xr.Frame) *float64 { return &f.HeadPosition.Y }},
	{"head_pos_z", func(f *xr.Frame) *float64 { return &f.HeadPosition.Z }},
	{"ipd", func(f *xr.Frame) *float64 { return &f.IPD }},
	{"fov_x", func(f *xr.Frame) *float64 { return &f.FOVX }},
	{"fov_y", func(f *xr.Frame) *float64 { return &f.FOVY }},
	{"sync", func(f *xr.Frame) *float64 { return &f.Sync }},
}

var (
	insertFrameSQL string
	selectFrameSQL string
)

func init() {
	names := make([]string, len(frameColumns))
	for i, c := range frameColumns {
		names[i] = c.name
	}
	cols := strings.Join(names, ", ")
	placeholders := strings.Repeat(", ?", len(frameColumns))

	insertFrameSQL = `INSERT INTO frames (session_id, seq, recorded_unix_nanos, ` + cols + `, trailing, buttons)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM frames WHERE session_id = ?), ?` + placeholders + `, ?, ?)`
	selectFrameSQL = `SELECT seq, recorded_unix_nanos, ` + cols + `, trailing, buttons
		FROM frames WHERE session_id = ? ORDER BY seq`
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder database: %w", err)
	}
	// A single connection keeps the pragmas below in force and makes
	// ":memory:" databases usable.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db as well.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// StartSession registers a new recording and returns its ID.
func (r *Recorder) StartSession(source string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(
		`INSERT INTO sessions (session_id, source, started_unix_nanos) VALUES (?, ?, ?)`,
		id, source, r.now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// Record appends f to the session. Sequence numbers start at 1.
func (r *Recorder) Record(sessionID string, f xr.Frame, at time.Time) error {
	args := make([]any, 0, len(frameColumns)+5)
	args = append(args, sessionID, sessionID, at.UnixNano())
	for _, c := range frameColumns {
		args = append(args, nullableFloat(*c.field(&f)))
	}
	args = append(args, f.Trailing, f.Buttons)

	if _, err := r.db.Exec(insertFrameSQL, args...); err != nil {
		var exists bool
		if qerr := r.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = ?)`, sessionID).Scan(&exists); qerr == nil && !exists {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return fmt.Errorf("failed to record frame: %w", err)
	}
	return nil
}

// Sessions lists recordings, oldest first, with their frame counts.
func (r *Recorder) Sessions() ([]Session, error) {
	rows, err := r.db.Query(`
		SELECT s.session_id, s.source, s.started_unix_nanos, COUNT(f.seq)
		FROM sessions s
		LEFT JOIN frames f ON f.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_unix_nanos, s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		if err := rows.Scan(&s.ID, &s.Source, &started, &s.Frames); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, started)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Frames returns the frames of a session in recording order.
func (r *Recorder) Frames(sessionID string) ([]RecordedFrame, error) {
	rows, err := r.db.Query(selectFrameSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []RecordedFrame
	for rows.Next() {
		var rf RecordedFrame
		var recorded int64
		vals := make([]sql.NullFloat64, len(frameColumns))
		dest := make([]any, 0, len(frameColumns)+4)
		dest = append(dest, &rf.Seq, &recorded)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		dest = append(dest, &rf.Frame.Trailing, &rf.Frame.Buttons)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		for i, c := range frameColumns {
			*c.field(&rf.Frame) = floatOrNaN(vals[i])
		}
		rf.RecordedAt = time.Unix(0, recorded)
		frames = append(frames, rf)
	}
	return frames, rows.Err()
}

// nullableFloat maps NaN to NULL, which is how sqlite stores it anyway.
func nullableFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

package db

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var database *sql.DB

var ErrNotInitialized = errors.New("database not initialized")

// InitDB opens the SQLite database at path and creates the schema.
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	// one writer; the recorder and the HTTP handlers share it
	database.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY,
        model_path TEXT NOT NULL,
        started_at DATETIME NOT NULL,
        ended_at DATETIME,
        inferences INTEGER NOT NULL DEFAULT 0,
        failures INTEGER NOT NULL DEFAULT 0
    );
    CREATE TABLE IF NOT EXISTS detections (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        label TEXT NOT NULL,
        probability REAL NOT NULL,
        detected_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id, detected_at);
    CREATE TABLE IF NOT EXISTS progress (
        item_id TEXT PRIMARY KEY,
        level TEXT NOT NULL,
        best_accuracy INTEGER NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        completed_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY,
        model_name VARCHAR(50),
        format VARCHAR(20),
        accuracy REAL,
        labels INTEGER,
        trained_at DATETIME,
        data_points INTEGER
    );
    `

	_, err = database.Exec(query)
	return err
}

func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type Session struct {
	ID         string     `json:"id"`
	ModelPath  string     `json:"model_path"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Inferences uint64     `json:"inferences"`
	Failures   uint64     `json:"failures"`
}

// Detection is a change of the published label within a session.
type Detection struct {
	SessionID   string    `json:"session_id"`
	Label       string    `json:"label"`
	Probability float64   `json:"probability"`
	DetectedAt  time.Time `json:"detected_at"`
}

func SaveSession(id, modelPath string, startedAt time.Time) error {
	if database == nil {
		return ErrNotInitialized
	}
	_, err := database.Exec(`
        INSERT OR IGNORE INTO sessions (id, model_path, started_at)
        VALUES (?, ?, ?)`, id, modelPath, startedAt.UTC())
	return err
}

// EndSession closes a session with the number of inferences and failures
// it ran.
func EndSession(id string, endedAt time.Time, inferences, failures uint64) error {
	if database == nil {
		return ErrNotInitialized
	}
	_, err := database.Exec(`
        UPDATE sessions SET ended_at = ?, inferences = ?, failures = ?
        WHERE id = ? AND ended_at IS NULL`, endedAt.UTC(), inferences, failures, id)
	return err
}

func GetSession(id string) (*Session, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	var s Session
	var ended sql.NullTime
	err := database.QueryRow(`
        SELECT id, model_path, started_at, ended_at, inferences, failures
        FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.ModelPath, &s.StartedAt, &ended, &s.Inferences, &s.Failures)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

func SaveDetection(d Detection) error {
	if database == nil {
		return ErrNotInitialized
	}
	if d.SessionID == "" || d.Label == "" {
		return errors.New("session id and label required")
	}
	_, err := database.Exec(`
        INSERT INTO detections (session_id, label, probability, detected_at)
        VALUES (?, ?, ?, ?)`, d.SessionID, d.Label, d.Probability, d.DetectedAt.UTC())
	return err
}

// QueryDetections returns the latest detections of a session, newest first.
func QueryDetections(sessionID string, limit int) ([]Detection, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := database.Query(`
        SELECT session_id, label, probability, detected_at
        FROM detections
        WHERE session_id = ?
        ORDER BY detected_at DESC, id DESC
        LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	detections := make([]Detection, 0)
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.SessionID, &d.Label, &d.Probability, &d.DetectedAt); err != nil {
			return nil, err
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

type Progress struct {
	ItemID       string    `json:"item_id"`
	Level        string    `json:"level"`
	BestAccuracy int       `json:"best_accuracy"`
	Attempts     int       `json:"attempts"`
	CompletedAt  time.Time `json:"completed_at"`
}

// MarkCompleted records a passed practice attempt, keeping the best
// accuracy seen for the item.
func MarkCompleted(itemID, level string, accuracy int, at time.Time) error {
	if database == nil {
		return ErrNotInitialized
	}
	_, err := database.Exec(`
        INSERT INTO progress (item_id, level, best_accuracy, attempts, completed_at)
        VALUES (?, ?, ?, 1, ?)
        ON CONFLICT(item_id) DO UPDATE SET
            best_accuracy = MAX(best_accuracy, excluded.best_accuracy),
            attempts = attempts + 1,
            completed_at = excluded.completed_at`,
		itemID, level, accuracy, at.UTC())
	return err
}

// CompletedItems returns progress for every completed item of level, or of
// all levels when level is empty.
func CompletedItems(level string) ([]Progress, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	rows, err := database.Query(`
        SELECT item_id, level, best_accuracy, attempts, completed_at
        FROM progress
        WHERE ? = '' OR level = ?
        ORDER BY item_id`, level, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Progress, 0)
	for rows.Next() {
		var p Progress
		if err := rows.Scan(&p.ItemID, &p.Level, &p.BestAccuracy, &p.Attempts, &p.CompletedAt); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	Format     string    `json:"format"`
	Accuracy   float64   `json:"accuracy"`
	Labels     int       `json:"labels"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

func SaveTrainingLog(log TrainingLog) error {
	if database == nil {
		return ErrNotInitialized
	}
	_, err := database.Exec(`
        INSERT INTO training_log (model_name, format, accuracy, labels, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?, ?)`,
		log.ModelName, log.Format, log.Accuracy, log.Labels, log.TrainedAt.UTC(), log.DataPoints)
	return err
}

func LoadTrainingLog() ([]TrainingLog, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	rows, err := database.Query(`
        SELECT model_name, format, accuracy, labels, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ModelName, &log.Format, &log.Accuracy, &log.Labels, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

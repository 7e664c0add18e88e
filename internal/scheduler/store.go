package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrInvalid  = errors.New("invalid schedule")
)

type Schedule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CronExpr  string `json:"cron_expr"`
	Action    string `json:"action"` // start, stop
	MapName   string `json:"map_name"`
	Enabled   bool   `json:"enabled"`
	LastRun   string `json:"last_run"`
	CreatedAt string `json:"created_at"`
}

// Validate checks the cron expression and that start schedules name a map.
func (s *Schedule) Validate() error {
	if s.Name == "" || s.CronExpr == "" || s.Action == "" {
		return fmt.Errorf("%w: name, cron_expr, and action required", ErrInvalid)
	}
	if _, err := ParseCron(s.CronExpr); err != nil {
		return fmt.Errorf("%w: cron expression: %v", ErrInvalid, err)
	}
	switch s.Action {
	case ActionStart:
		if s.MapName == "" {
			return fmt.Errorf("%w: start needs map_name", ErrInvalid)
		}
	case ActionStop:
	default:
		return fmt.Errorf("%w: action must be one of: start, stop", ErrInvalid)
	}
	return nil
}

// Patch holds the fields of an update; nil leaves a field unchanged.
type Patch struct {
	Name     *string `json:"name"`
	CronExpr *string `json:"cron_expr"`
	Action   *string `json:"action"`
	MapName  *string `json:"map_name"`
	Enabled  *bool   `json:"enabled"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectSchedule = `SELECT id, name, cron_expr, action, map_name, enabled, COALESCE(last_run, ''), created_at FROM schedules`

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (Schedule, error) {
	var s Schedule
	var enabled int
	err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.Action, &s.MapName, &enabled, &s.LastRun, &s.CreatedAt)
	s.Enabled = enabled == 1
	return s, err
}

func (st *Store) List() ([]Schedule, error) {
	return st.query(selectSchedule + ` ORDER BY created_at DESC`)
}

// Enabled returns the schedules the ticker should consider.
func (st *Store) Enabled() ([]Schedule, error) {
	return st.query(selectSchedule + ` WHERE enabled = 1`)
}

func (st *Store) query(q string) ([]Schedule, error) {
	rows, err := st.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := []Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (st *Store) Get(id string) (*Schedule, error) {
	s, err := scanSchedule(st.db.QueryRow(selectSchedule+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (st *Store) Create(s Schedule) (*Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	id := uuid.New().String()[:8]
	_, err := st.db.Exec(
		`INSERT INTO schedules (id, name, cron_expr, action, map_name, enabled) VALUES (?, ?, ?, ?, ?, 1)`,
		id, s.Name, s.CronExpr, s.Action, s.MapName,
	)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return st.Get(id)
}

func (st *Store) Update(id string, p Patch) (*Schedule, error) {
	cur, err := st.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		cur.Name = *p.Name
	}
	if p.CronExpr != nil {
		cur.CronExpr = *p.CronExpr
	}
	if p.Action != nil {
		cur.Action = *p.Action
	}
	if p.MapName != nil {
		cur.MapName = *p.MapName
	}
	if p.Enabled != nil {
		cur.Enabled = *p.Enabled
	}
	if err := cur.Validate(); err != nil {
		return nil, err
	}

	enabled := 0
	if cur.Enabled {
		enabled = 1
	}
	_, err = st.db.Exec(
		`UPDATE schedules SET name = ?, cron_expr = ?, action = ?, map_name = ?, enabled = ? WHERE id = ?`,
		cur.Name, cur.CronExpr, cur.Action, cur.MapName, enabled, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return st.Get(id)
}

func (st *Store) Delete(id string) error {
	res, err := st.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (st *Store) MarkRun(id string, at time.Time) error {
	_, err := st.db.Exec(`UPDATE schedules SET last_run = ? WHERE id = ?`, at.UTC(), id)
	return err
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "trackbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store. Storage is the only durability
// mechanism, so failures here are fatal to the caller.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, COALESCE(username, ''), host, access_key, secret_key
		 FROM users WHERE user_id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Host, &u.AccessKey, &u.SecretKey)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, host, access_key, secret_key)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username, host=excluded.host,
		   access_key=excluded.access_key, secret_key=excluded.secret_key`,
		u.ID, nullStr(u.Username), u.Host, u.AccessKey, u.SecretKey,
	)
	return err
}

func (s *sqliteStore) UpsertMetricPoint(ctx context.Context, p MetricPoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics(user_id, experiment_id, section, metric, iteration, value)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, experiment_id, section, metric, iteration)
		 DO UPDATE SET value=excluded.value`,
		p.UserID, p.ExperimentID, p.Section, p.Metric, p.Iteration, p.Value,
	)
	return err
}

func (s *sqliteStore) MetricsBySection(ctx context.Context, userID int64, experimentID, section string) ([]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, experiment_id, section, metric, iteration, value
		 FROM metrics
		 WHERE user_id = ? AND experiment_id = ? AND section = ?
		 ORDER BY metric, iteration`,
		userID, experimentID, section,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.UserID, &p.ExperimentID, &p.Section, &p.Metric, &p.Iteration, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetExperiment(ctx context.Context, userID int64, experimentID string) (ExperimentRecord, bool, error) {
	var rec ExperimentRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT experiment_id, name, last_iteration, text_msg_id, train_msg_id, val_msg_id
		 FROM experiments WHERE user_id = ? AND experiment_id = ?`,
		userID, experimentID,
	).Scan(&rec.ExperimentID, &rec.Name, &rec.LastIteration,
		&rec.TextMessageID, &rec.TrainMessageID, &rec.ValMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return ExperimentRecord{}, false, nil
	}
	if err != nil {
		return ExperimentRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) PutExperiment(ctx context.Context, userID int64, rec ExperimentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments(user_id, experiment_id, name, last_iteration, text_msg_id, train_msg_id, val_msg_id)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, experiment_id) DO UPDATE SET
		   name=excluded.name, last_iteration=excluded.last_iteration,
		   text_msg_id=excluded.text_msg_id, train_msg_id=excluded.train_msg_id,
		   val_msg_id=excluded.val_msg_id`,
		userID, rec.ExperimentID, rec.Name, rec.LastIteration,
		rec.TextMessageID, rec.TrainMessageID, rec.ValMessageID,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

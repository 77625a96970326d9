package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/retention-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// SQLite allows a single writer, so the pool is pinned to one connection and
// every transaction in this process is serialized.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS subjects (
	id                TEXT PRIMARY KEY,
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	email             TEXT,
	enrollment_status TEXT NOT NULL DEFAULT 'Active',
	program           TEXT NOT NULL DEFAULT '',
	enrollment_date   DATETIME,
	metadata          TEXT NOT NULL DEFAULT '{}',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_profiles (
	subject_id   TEXT PRIMARY KEY REFERENCES subjects(id),
	risk_score   REAL NOT NULL,
	risk_level   TEXT NOT NULL,
	risk_factors TEXT NOT NULL DEFAULT '[]',
	last_updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS interventions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	subject_id  TEXT NOT NULL REFERENCES subjects(id),
	type        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'Pending',
	description TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_subjects_email ON subjects(email) WHERE email IS NOT NULL AND email <> '';
CREATE INDEX IF NOT EXISTS idx_subjects_status ON subjects(enrollment_status);
CREATE INDEX IF NOT EXISTS idx_risk_profiles_level ON risk_profiles(risk_level);
CREATE INDEX IF NOT EXISTS idx_interventions_subject ON interventions(subject_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) UpsertSubjectProfile(ctx context.Context, id string, patch model.SubjectPatch) (*model.Subject, error) {
	if err := model.ValidateSubjectID(id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var out *model.Subject
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		subj, err := sqliteGetSubject(ctx, tx, id)
		if errors.Is(err, model.ErrNotFound) {
			subj = model.NewSubject(id, now)
			patch.Apply(subj)
			out = subj
			return sqliteWriteSubject(ctx, tx, subj, true)
		}
		if err != nil {
			return err
		}
		out = subj
		if !patch.Apply(subj) {
			return nil
		}
		subj.UpdatedAt = now
		return sqliteWriteSubject(ctx, tx, subj, false)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	return sqliteGetSubject(ctx, s.db, id)
}

func (s *SQLiteStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]model.Subject, error) {
	query := `SELECT s.id, s.first_name, s.last_name, s.email, s.enrollment_status, s.program,
		s.enrollment_date, s.metadata, s.created_at, s.updated_at
		FROM subjects s LEFT JOIN risk_profiles rp ON rp.subject_id = s.id WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND s.enrollment_status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MinRiskLevel != "" {
		query += ` AND ` + riskRankSQL + ` >= ?`
		args = append(args, filter.MinRiskLevel.Rank())
	}
	query += ` ORDER BY s.id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subjects")
	}
	defer rows.Close()

	var subjects []model.Subject
	for rows.Next() {
		subj, err := scanSQLiteSubject(rows)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, *subj)
	}
	return subjects, eris.Wrap(rows.Err(), "sqlite: list subjects iterate")
}

func (s *SQLiteStore) UpsertRiskProfile(ctx context.Context, id string, score float64, level model.RiskLevel, factors []string) (*model.RiskProfile, error) {
	if err := validateRiskWrite(id, score, level); err != nil {
		return nil, err
	}

	var out *model.RiskProfile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := sqliteEnsureSubject(ctx, tx, id, now); err != nil {
			return err
		}
		p, err := sqliteGetRiskProfile(ctx, tx, id)
		if errors.Is(err, model.ErrNotFound) {
			p = &model.RiskProfile{SubjectID: id}
		} else if err != nil {
			return err
		}
		if err := p.UpdateScore(score, factors, now); err != nil {
			return err
		}

		factorsJSON, err := json.Marshal(p.Factors)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal risk factors")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO risk_profiles (subject_id, risk_score, risk_level, risk_factors, last_updated)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(subject_id) DO UPDATE SET
				risk_score = excluded.risk_score,
				risk_level = excluded.risk_level,
				risk_factors = excluded.risk_factors,
				last_updated = excluded.last_updated`,
			id, p.Score, string(p.Level), string(factorsJSON), p.LastUpdated,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert risk profile %s", id)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	warnLevelOverride(id, level, out)
	return out, nil
}

func (s *SQLiteStore) GetRiskProfile(ctx context.Context, id string) (*model.RiskProfile, error) {
	return sqliteGetRiskProfile(ctx, s.db, id)
}

func (s *SQLiteStore) CreateIntervention(ctx context.Context, subjectID string, typ model.InterventionType, description string) (string, error) {
	if err := validateInterventionWrite(subjectID, typ, description); err != nil {
		return "", err
	}
	typ, _ = model.ParseInterventionType(string(typ))

	id := uuid.New().String()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if err := sqliteEnsureSubject(ctx, tx, subjectID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO interventions (id, subject_id, type, status, description, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, subjectID, string(typ), string(model.InterventionPending), description, now, now,
		)
		return eris.Wrapf(err, "sqlite: insert intervention for %s", subjectID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) TransitionIntervention(ctx context.Context, interventionID string, status model.InterventionStatus) (*model.Intervention, error) {
	status, err := model.ParseInterventionStatus(string(status))
	if err != nil {
		return nil, err
	}

	var out *model.Intervention
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, subject_id, type, status, description, created_at, updated_at
			 FROM interventions WHERE id = ?`, interventionID)
		iv, err := scanSQLiteIntervention(row)
		if err != nil {
			return err
		}
		if err := iv.Transition(status, time.Now()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE interventions SET status = ?, updated_at = ? WHERE id = ?`,
			string(iv.Status), iv.UpdatedAt, iv.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: transition intervention %s", iv.ID)
		}
		if err := checkRowsAffected(res, "intervention", iv.ID); err != nil {
			return err
		}
		out = iv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) ListInterventions(ctx context.Context, subjectID string) ([]model.Intervention, error) {
	return sqliteListInterventions(ctx, s.db, subjectID)
}

func (s *SQLiteStore) LoadSubjectHistory(ctx context.Context, subjectID string) (*model.SubjectHistory, error) {
	if err := model.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}

	var h *model.SubjectHistory
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		subj, err := sqliteGetSubject(ctx, tx, subjectID)
		if err != nil {
			return err
		}
		h = &model.SubjectHistory{Subject: *subj}

		p, err := sqliteGetRiskProfile(ctx, tx, subjectID)
		switch {
		case err == nil:
			h.RiskProfile = p
		case !errors.Is(err, model.ErrNotFound):
			return err
		}

		h.Interventions, err = sqliteListInterventions(ctx, tx, subjectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// helpers

// riskRankSQL orders risk levels so filters can compare them numerically.
const riskRankSQL = `CASE rp.risk_level WHEN 'High' THEN 3 WHEN 'Medium' THEN 2 WHEN 'Low' THEN 1 ELSE 0 END`

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteEnsureSubject(ctx context.Context, q sqliteQuerier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO subjects (id, enrollment_status, metadata, created_at, updated_at)
		 VALUES (?, ?, '{}', ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, string(model.EnrollmentActive), now, now,
	)
	return eris.Wrapf(err, "sqlite: ensure subject %s", id)
}

func sqliteWriteSubject(ctx context.Context, q sqliteQuerier, subj *model.Subject, insert bool) error {
	metaJSON, err := marshalMetadata(subj.Metadata)
	if err != nil {
		return err
	}
	var email any
	if subj.Email != "" {
		email = subj.Email
	}
	var enrolled any
	if subj.EnrollmentDate != nil {
		enrolled = *subj.EnrollmentDate
	}

	if insert {
		_, err = q.ExecContext(ctx,
			`INSERT INTO subjects (id, first_name, last_name, email, enrollment_status, program,
				enrollment_date, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			subj.ID, subj.FirstName, subj.LastName, email, string(subj.EnrollmentStatus), subj.Program,
			enrolled, metaJSON, subj.CreatedAt, subj.UpdatedAt,
		)
		return eris.Wrapf(err, "sqlite: insert subject %s", subj.ID)
	}

	res, err := q.ExecContext(ctx,
		`UPDATE subjects SET first_name = ?, last_name = ?, email = ?, enrollment_status = ?,
			program = ?, enrollment_date = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		subj.FirstName, subj.LastName, email, string(subj.EnrollmentStatus),
		subj.Program, enrolled, metaJSON, subj.UpdatedAt, subj.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update subject %s", subj.ID)
	}
	return checkRowsAffected(res, "subject", subj.ID)
}

func sqliteGetSubject(ctx context.Context, q sqliteQuerier, id string) (*model.Subject, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, email, enrollment_status, program,
			enrollment_date, metadata, created_at, updated_at
		 FROM subjects WHERE id = ?`, id)
	subj, err := scanSQLiteSubject(row)
	if errors.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: subject %s", id)
	}
	return subj, err
}

func sqliteGetRiskProfile(ctx context.Context, q sqliteQuerier, id string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	var level, factorsJSON string
	err := q.QueryRowContext(ctx,
		`SELECT subject_id, risk_score, risk_level, risk_factors, last_updated
		 FROM risk_profiles WHERE subject_id = ?`, id,
	).Scan(&p.SubjectID, &p.Score, &level, &factorsJSON, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: risk profile %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get risk profile %s", id)
	}
	p.Level = model.RiskLevel(level)
	if err := json.Unmarshal([]byte(factorsJSON), &p.Factors); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal risk factors")
	}
	return &p, nil
}

func sqliteListInterventions(ctx context.Context, q sqliteQuerier, subjectID string) ([]model.Intervention, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, subject_id, type, status, description, created_at, updated_at
		 FROM interventions WHERE subject_id = ? ORDER BY created_at, seq`, subjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list interventions %s", subjectID)
	}
	defer rows.Close()

	interventions := []model.Intervention{}
	for rows.Next() {
		iv, err := scanSQLiteIntervention(rows)
		if err != nil {
			return nil, err
		}
		interventions = append(interventions, *iv)
	}
	return interventions, eris.Wrap(rows.Err(), "sqlite: list interventions iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSubject(row scannable) (*model.Subject, error) {
	var subj model.Subject
	var email sql.NullString
	var status, metaJSON string
	var enrolled sql.NullTime

	err := row.Scan(&subj.ID, &subj.FirstName, &subj.LastName, &email, &status, &subj.Program,
		&enrolled, &metaJSON, &subj.CreatedAt, &subj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan subject")
	}

	subj.Email = email.String
	subj.EnrollmentStatus = model.EnrollmentStatus(status)
	if enrolled.Valid {
		t := enrolled.Time.UTC()
		subj.EnrollmentDate = &t
	}
	if subj.Metadata, err = unmarshalMetadata([]byte(metaJSON)); err != nil {
		return nil, err
	}
	return &subj, nil
}

func scanSQLiteIntervention(row scannable) (*model.Intervention, error) {
	var iv model.Intervention
	var typ, status string
	err := row.Scan(&iv.ID, &iv.SubjectID, &typ, &status, &iv.Description, &iv.CreatedAt, &iv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "sqlite: intervention")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan intervention")
	}
	iv.Type = model.InterventionType(typ)
	iv.Status = model.InterventionStatus(status)
	return &iv, nil
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal metadata")
	}
	return string(b), nil
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal metadata")
	}
	return meta, nil
}

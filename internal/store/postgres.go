package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/retention-cli/internal/db"
	"github.com/sells-group/retention-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS subjects (
	id                TEXT PRIMARY KEY,
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	email             TEXT,
	enrollment_status TEXT NOT NULL DEFAULT 'Active',
	program           TEXT NOT NULL DEFAULT '',
	enrollment_date   TIMESTAMPTZ,
	metadata          JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_profiles (
	subject_id   TEXT PRIMARY KEY REFERENCES subjects(id),
	risk_score   DOUBLE PRECISION NOT NULL CHECK (risk_score >= 0 AND risk_score <= 1),
	risk_level   TEXT NOT NULL,
	risk_factors TEXT[] NOT NULL DEFAULT '{}',
	last_updated TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS interventions (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	subject_id  TEXT NOT NULL REFERENCES subjects(id),
	type        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'Pending',
	description TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_subjects_email ON subjects(email) WHERE email IS NOT NULL AND email <> '';
CREATE INDEX IF NOT EXISTS idx_subjects_status ON subjects(enrollment_status);
CREATE INDEX IF NOT EXISTS idx_risk_profiles_level ON risk_profiles(risk_level);
CREATE INDEX IF NOT EXISTS idx_interventions_subject ON interventions(subject_id, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const subjectColumns = `id, first_name, last_name, email, enrollment_status, program,
	enrollment_date, metadata, created_at, updated_at`

func (s *PostgresStore) UpsertSubjectProfile(ctx context.Context, id string, patch model.SubjectPatch) (*model.Subject, error) {
	if err := model.ValidateSubjectID(id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var out *model.Subject
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if err := pgEnsureSubject(ctx, tx, id, now); err != nil {
			return err
		}
		subj, err := scanPGSubject(tx.QueryRow(ctx,
			`SELECT `+subjectColumns+` FROM subjects WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return eris.Wrapf(err, "postgres: lock subject %s", id)
		}
		out = subj
		if !patch.Apply(subj) {
			return nil
		}
		subj.UpdatedAt = now

		metaJSON, err := marshalMetadata(subj.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE subjects SET first_name = $1, last_name = $2, email = $3, enrollment_status = $4,
				program = $5, enrollment_date = $6, metadata = $7, updated_at = $8
			 WHERE id = $9`,
			subj.FirstName, subj.LastName, nullString(subj.Email), string(subj.EnrollmentStatus),
			subj.Program, subj.EnrollmentDate, []byte(metaJSON), subj.UpdatedAt, subj.ID,
		)
		return eris.Wrapf(err, "postgres: update subject %s", id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	subj, err := scanPGSubject(s.pool.QueryRow(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get subject %s", id)
	}
	return subj, nil
}

func (s *PostgresStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]model.Subject, error) {
	query := `SELECT s.id, s.first_name, s.last_name, s.email, s.enrollment_status, s.program,
		s.enrollment_date, s.metadata, s.created_at, s.updated_at
		FROM subjects s LEFT JOIN risk_profiles rp ON rp.subject_id = s.id WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND s.enrollment_status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.MinRiskLevel != "" {
		query += fmt.Sprintf(" AND %s >= $%d", riskRankSQL, argN)
		args = append(args, filter.MinRiskLevel.Rank())
		argN++
	}
	query += " ORDER BY s.id"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subjects")
	}
	defer rows.Close()

	var subjects []model.Subject
	for rows.Next() {
		subj, err := scanPGSubject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan subject")
		}
		subjects = append(subjects, *subj)
	}
	return subjects, eris.Wrap(rows.Err(), "postgres: list subjects iterate")
}

func (s *PostgresStore) UpsertRiskProfile(ctx context.Context, id string, score float64, level model.RiskLevel, factors []string) (*model.RiskProfile, error) {
	if err := validateRiskWrite(id, score, level); err != nil {
		return nil, err
	}

	p := &model.RiskProfile{SubjectID: id}
	if err := p.UpdateScore(score, factors, time.Now()); err != nil {
		return nil, err
	}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgEnsureSubject(ctx, tx, id, p.LastUpdated); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO risk_profiles (subject_id, risk_score, risk_level, risk_factors, last_updated)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (subject_id) DO UPDATE SET
				risk_score = EXCLUDED.risk_score,
				risk_level = EXCLUDED.risk_level,
				risk_factors = EXCLUDED.risk_factors,
				last_updated = EXCLUDED.last_updated`,
			id, p.Score, string(p.Level), p.Factors, p.LastUpdated,
		)
		return eris.Wrapf(err, "postgres: upsert risk profile %s", id)
	})
	if err != nil {
		return nil, err
	}
	warnLevelOverride(id, level, p)
	return p, nil
}

func (s *PostgresStore) GetRiskProfile(ctx context.Context, id string) (*model.RiskProfile, error) {
	return pgGetRiskProfile(ctx, s.pool, id)
}

func (s *PostgresStore) CreateIntervention(ctx context.Context, subjectID string, typ model.InterventionType, description string) (string, error) {
	if err := validateInterventionWrite(subjectID, typ, description); err != nil {
		return "", err
	}
	typ, _ = model.ParseInterventionType(string(typ))

	id := uuid.New().String()
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if err := pgEnsureSubject(ctx, tx, subjectID, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO interventions (id, subject_id, type, status, description, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, subjectID, string(typ), string(model.InterventionPending), description, now, now,
		)
		return eris.Wrapf(err, "postgres: insert intervention for %s", subjectID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) TransitionIntervention(ctx context.Context, interventionID string, status model.InterventionStatus) (*model.Intervention, error) {
	status, err := model.ParseInterventionStatus(string(status))
	if err != nil {
		return nil, err
	}

	var out *model.Intervention
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		iv, err := scanPGIntervention(tx.QueryRow(ctx,
			`SELECT id, subject_id, type, status, description, created_at, updated_at
			 FROM interventions WHERE id = $1 FOR UPDATE`, interventionID))
		if err != nil {
			return eris.Wrapf(err, "postgres: get intervention %s", interventionID)
		}
		if err := iv.Transition(status, time.Now()); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE interventions SET status = $1, updated_at = $2 WHERE id = $3`,
			string(iv.Status), iv.UpdatedAt, iv.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: transition intervention %s", iv.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrNotFound, "postgres: intervention %s", iv.ID)
		}
		out = iv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListInterventions(ctx context.Context, subjectID string) ([]model.Intervention, error) {
	return pgListInterventions(ctx, s.pool, subjectID)
}

func (s *PostgresStore) LoadSubjectHistory(ctx context.Context, subjectID string) (*model.SubjectHistory, error) {
	if err := model.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}

	var h *model.SubjectHistory
	err := db.InTxWith(ctx, s.pool, db.ReadSnapshot, func(tx pgx.Tx) error {
		subj, err := scanPGSubject(tx.QueryRow(ctx,
			`SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, subjectID))
		if err != nil {
			return eris.Wrapf(err, "postgres: history subject %s", subjectID)
		}
		h = &model.SubjectHistory{Subject: *subj}

		p, err := pgGetRiskProfile(ctx, tx, subjectID)
		switch {
		case err == nil:
			h.RiskProfile = p
		case !errors.Is(err, model.ErrNotFound):
			return err
		}

		h.Interventions, err = pgListInterventions(ctx, tx, subjectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// helpers

func pgEnsureSubject(ctx context.Context, q db.Querier, id string, now time.Time) error {
	_, err := q.Exec(ctx,
		`INSERT INTO subjects (id, enrollment_status, metadata, created_at, updated_at)
		 VALUES ($1, $2, '{}', $3, $4) ON CONFLICT (id) DO NOTHING`,
		id, string(model.EnrollmentActive), now, now,
	)
	return eris.Wrapf(err, "postgres: ensure subject %s", id)
}

func pgGetRiskProfile(ctx context.Context, q db.Querier, id string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	var level string
	err := q.QueryRow(ctx,
		`SELECT subject_id, risk_score, risk_level, risk_factors, last_updated
		 FROM risk_profiles WHERE subject_id = $1`, id,
	).Scan(&p.SubjectID, &p.Score, &level, &p.Factors, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: risk profile %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get risk profile %s", id)
	}
	p.Level = model.RiskLevel(level)
	if p.Factors == nil {
		p.Factors = []string{}
	}
	return &p, nil
}

func pgListInterventions(ctx context.Context, q db.Querier, subjectID string) ([]model.Intervention, error) {
	rows, err := q.Query(ctx,
		`SELECT id, subject_id, type, status, description, created_at, updated_at
		 FROM interventions WHERE subject_id = $1 ORDER BY created_at, seq`, subjectID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list interventions %s", subjectID)
	}
	defer rows.Close()

	interventions := []model.Intervention{}
	for rows.Next() {
		iv, err := scanPGIntervention(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan intervention")
		}
		interventions = append(interventions, *iv)
	}
	return interventions, eris.Wrap(rows.Err(), "postgres: list interventions iterate")
}

func scanPGSubject(row pgx.Row) (*model.Subject, error) {
	var subj model.Subject
	var email *string
	var status string
	var enrolled *time.Time
	var metaJSON []byte

	err := row.Scan(&subj.ID, &subj.FirstName, &subj.LastName, &email, &status, &subj.Program,
		&enrolled, &metaJSON, &subj.CreatedAt, &subj.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if email != nil {
		subj.Email = *email
	}
	subj.EnrollmentStatus = model.EnrollmentStatus(status)
	if enrolled != nil {
		t := enrolled.UTC()
		subj.EnrollmentDate = &t
	}
	if subj.Metadata, err = unmarshalMetadata(metaJSON); err != nil {
		return nil, err
	}
	return &subj, nil
}

func scanPGIntervention(row pgx.Row) (*model.Intervention, error) {
	var iv model.Intervention
	var typ, status string
	err := row.Scan(&iv.ID, &iv.SubjectID, &typ, &status, &iv.Description, &iv.CreatedAt, &iv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	iv.Type = model.InterventionType(typ)
	iv.Status = model.InterventionStatus(status)
	return &iv, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

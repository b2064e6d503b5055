// Package store persists dataset, execution and lineage records in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dsforge/internal/execution"
	"dsforge/internal/lineage"
	"dsforge/internal/spec"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

// Dataset status values.
const (
	DatasetPending    = "PENDING"
	DatasetProcessing = "PROCESSING"
	DatasetReady      = "READY"
	DatasetError      = "ERROR"
)

// Dataset is one split x version of a dataset group.
type Dataset struct {
	ID               string
	GroupName        string
	DatasetType      string
	Split            string
	Version          string
	AnnotationFormat string
	TaskType         string
	StorageURI       string
	Status           string
	ImageCount       int
	ClassCount       int
	Description      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path. ":memory:" is accepted for
// tests.
func Open(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// Writes are serialized by SQLite anyway; a single connection keeps
	// :memory: databases shared and foreign keys enforced.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		group_name TEXT NOT NULL,
		dataset_type TEXT NOT NULL,
		split TEXT NOT NULL DEFAULT 'NONE',
		version TEXT NOT NULL,
		annotation_format TEXT,
		task_type TEXT,
		storage_uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		image_count INTEGER,
		class_count INTEGER,
		description TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (group_name, split, version)
	);

	CREATE TABLE IF NOT EXISTS pipeline_executions (
		id TEXT PRIMARY KEY,
		output_dataset_id TEXT NOT NULL,
		config TEXT NOT NULL,
		status TEXT NOT NULL,
		current_stage TEXT,
		processed_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (output_dataset_id) REFERENCES datasets(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_output ON pipeline_executions(output_dataset_id);

	CREATE TABLE IF NOT EXISTS dataset_lineage (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		transform_config TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (parent_id) REFERENCES datasets(id) ON DELETE CASCADE,
		FOREIGN KEY (child_id) REFERENCES datasets(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_lineage_parent ON dataset_lineage(parent_id);
	CREATE INDEX IF NOT EXISTS idx_lineage_child ON dataset_lineage(child_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveDataset inserts or replaces d. CreatedAt is set on first save.
func (s *SQLite) SaveDataset(ctx context.Context, d *Dataset) error {
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DatasetPending
	}
	d.Split = strings.ToUpper(d.Split)
	if d.Split == "" {
		d.Split = "NONE"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, group_name, dataset_type, split, version, annotation_format, task_type,
			storage_uri, status, image_count, class_count, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_name = excluded.group_name,
			dataset_type = excluded.dataset_type,
			split = excluded.split,
			version = excluded.version,
			annotation_format = excluded.annotation_format,
			task_type = excluded.task_type,
			storage_uri = excluded.storage_uri,
			status = excluded.status,
			image_count = excluded.image_count,
			class_count = excluded.class_count,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		d.ID, d.GroupName, d.DatasetType, d.Split, d.Version, d.AnnotationFormat, d.TaskType,
		d.StorageURI, d.Status, d.ImageCount, d.ClassCount, d.Description, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: save dataset %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLite) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_name, dataset_type, split, version, annotation_format, task_type, storage_uri,
			status, image_count, class_count, description, created_at, updated_at
		FROM datasets WHERE id = ?`, id)
	var (
		d                   Dataset
		format, task, descr sql.NullString
		images, classes     sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.GroupName, &d.DatasetType, &d.Split, &d.Version, &format, &task, &d.StorageURI,
		&d.Status, &images, &classes, &descr, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dataset %s: %w", id, err)
	}
	d.AnnotationFormat, d.TaskType, d.Description = format.String, task.String, descr.String
	d.ImageCount, d.ClassCount = int(images.Int64), int(classes.Int64)
	return &d, nil
}

// FinishDataset records the terminal state of an output dataset.
func (s *SQLite) FinishDataset(ctx context.Context, id, status string, imageCount, classCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET status = ?, image_count = ?, class_count = ?, updated_at = ? WHERE id = ?`,
		status, imageCount, classCount, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: finish dataset %s: %w", id, err)
	}
	return expectOne(res, "dataset", id)
}

// SetDatasetStatus changes only the status column.
func (s *SQLite) SetDatasetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set dataset status %s: %w", id, err)
	}
	return expectOne(res, "dataset", id)
}

// DeleteDataset removes a dataset; its executions and every lineage edge
// touching it go with it.
func (s *SQLite) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete dataset %s: %w", id, err)
	}
	return expectOne(res, "dataset", id)
}

// NextVersion returns the version following the latest one of group+split,
// bumping the patch component. The first version is v1.0.0.
func (s *SQLite) NextVersion(ctx context.Context, group, split string) (string, error) {
	var last string
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM datasets WHERE group_name = ? AND split = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, group, strings.ToUpper(split)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "v1.0.0", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: next version: %w", err)
	}
	return bumpPatch(last), nil
}

func bumpPatch(v string) string {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	if len(parts) != 3 {
		return "v1.0.0"
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "v1.0.0"
	}
	return fmt.Sprintf("v%s.%s.%d", parts[0], parts[1], patch+1)
}

// CreateExecution inserts the first row of an execution. An id that is
// already stored is never overwritten and yields ErrExists.
func (s *SQLite) CreateExecution(ctx context.Context, e execution.Execution) error {
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, output_dataset_id, config, status, current_stage,
			processed_count, total_count, error_message, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.OutputDatasetID, string(cfg), string(e.Status), nullString(string(e.Stage)),
		e.Processed, e.Total, nullString(e.ErrorMessage), nullTime(e.StartedAt), nullTime(e.FinishedAt), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: create execution %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: execution %s", ErrExists, e.ID)
	}
	return nil
}

// SaveExecution upserts the execution row from a tracker snapshot.
func (s *SQLite) SaveExecution(ctx context.Context, e execution.Execution) error {
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, output_dataset_id, config, status, current_stage,
			processed_count, total_count, error_message, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			processed_count = excluded.processed_count,
			total_count = excluded.total_count,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		e.ID, e.OutputDatasetID, string(cfg), string(e.Status), nullString(string(e.Stage)),
		e.Processed, e.Total, nullString(e.ErrorMessage), nullTime(e.StartedAt), nullTime(e.FinishedAt), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLite) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, output_dataset_id, config, status, current_stage, processed_count, total_count,
			error_message, started_at, finished_at, created_at
		FROM pipeline_executions WHERE id = ?`, id)
	var (
		e                 execution.Execution
		cfg, status       string
		stage, msg        sql.NullString
		started, finished sql.NullTime
	)
	err := row.Scan(&e.ID, &e.OutputDatasetID, &cfg, &status, &stage, &e.Processed, &e.Total,
		&msg, &started, &finished, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution %s: %w", id, err)
	}
	var p spec.Pipeline
	if err := json.Unmarshal([]byte(cfg), &p); err != nil {
		return nil, fmt.Errorf("store: decode config of %s: %w", id, err)
	}
	e.Config = p
	e.Status = execution.Status(status)
	e.Stage = execution.Stage(stage.String)
	e.ErrorMessage = msg.String
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return &e, nil
}

// SaveLineage inserts all edges in one transaction.
func (s *SQLite) SaveLineage(ctx context.Context, edges []lineage.Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	for _, e := range edges {
		cfg, err := e.TransformJSON()
		if err != nil {
			return fmt.Errorf("store: marshal transform of %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_lineage (id, parent_id, child_id, transform_config, created_at)
			VALUES (?, ?, ?, ?, ?)`, e.ID, e.ParentID, e.ChildID, string(cfg), e.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("store: insert lineage %s -> %s: %w", e.ParentID, e.ChildID, err)
		}
	}
	return tx.Commit()
}

// Parents lists the edges whose child is id.
func (s *SQLite) Parents(ctx context.Context, id string) ([]lineage.Edge, error) {
	return s.edges(ctx, `child_id = ?`, id)
}

// Children lists the edges whose parent is id.
func (s *SQLite) Children(ctx context.Context, id string) ([]lineage.Edge, error) {
	return s.edges(ctx, `parent_id = ?`, id)
}

func (s *SQLite) edges(ctx context.Context, where, id string) ([]lineage.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, child_id, transform_config, created_at
		FROM dataset_lineage WHERE `+where+` ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query lineage: %w", err)
	}
	defer rows.Close()

	var out []lineage.Edge
	for rows.Next() {
		var (
			e   lineage.Edge
			cfg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ParentID, &e.ChildID, &cfg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan lineage: %w", err)
		}
		if cfg.Valid {
			if err := json.Unmarshal([]byte(cfg.String), &e.Transform); err != nil {
				return nil, fmt.Errorf("store: decode transform of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

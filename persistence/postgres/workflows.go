package postgres

import (
	"context"
	"database/sql"

	"github.com/fluxworkflow/flux/catalog"
	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type workflowRow struct {
	Name             string         `db:"name"`
	Version          int            `db:"version"`
	SourceBlob       []byte         `db:"source_blob"`
	Imports          pq.StringArray `db:"imports"`
	ResourceCPU      float64        `db:"resource_cpu"`
	ResourceMemoryMB int64          `db:"resource_memory_mb"`
	ResourcePackages pq.StringArray `db:"resource_packages"`
	ResourceTags     pq.StringArray `db:"resource_tags"`
}

func (r workflowRow) toWorkflow() catalog.Workflow {
	return catalog.Workflow{
		Name:    r.Name,
		Version: r.Version,
		Source:  r.SourceBlob,
		Imports: []string(r.Imports),
		ResourceRequest: dispatcher.ResourceRequest{
			CPU:      r.ResourceCPU,
			MemoryMB: r.ResourceMemoryMB,
			Packages: []string(r.ResourcePackages),
			Tags:     []string(r.ResourceTags),
		},
	}
}

// WorkflowStore implements catalog.Store against Postgres.
type WorkflowStore struct {
	db *sqlx.DB
}

func NewWorkflowStore(db *sqlx.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) Register(ctx context.Context, entry catalog.Workflow) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, internal.NewStorageFailureError("workflows.register.begin", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	if err := tx.GetContext(ctx, &maxVersion, `SELECT MAX(version) FROM workflows WHERE name = $1`, entry.Name); err != nil {
		return 0, internal.NewStorageFailureError("workflows.register.max_version", err)
	}
	version := int(maxVersion.Int64) + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (name, version, source_blob, imports, resource_cpu, resource_memory_mb, resource_packages, resource_tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.Name, version, entry.Source, pq.StringArray(entry.Imports),
		entry.ResourceRequest.CPU, entry.ResourceRequest.MemoryMB,
		pq.StringArray(entry.ResourceRequest.Packages), pq.StringArray(entry.ResourceRequest.Tags))
	if err != nil {
		return 0, internal.NewStorageFailureError("workflows.register.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, internal.NewStorageFailureError("workflows.register.commit", err)
	}
	return version, nil
}

func (s *WorkflowStore) Get(ctx context.Context, name string, version int) (catalog.Workflow, error) {
	var row workflowRow
	var err error
	if version == 0 {
		err = s.db.GetContext(ctx, &row, `
			SELECT * FROM workflows WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	} else {
		err = s.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE name = $1 AND version = $2`, name, version)
	}
	if err == sql.ErrNoRows {
		return catalog.Workflow{}, internal.NewNotFoundError("workflow", name)
	}
	if err != nil {
		return catalog.Workflow{}, internal.NewStorageFailureError("workflows.get", err)
	}
	return row.toWorkflow(), nil
}

func (s *WorkflowStore) List(ctx context.Context) ([]catalog.Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (name) * FROM workflows ORDER BY name, version DESC`)
	if err != nil {
		return nil, internal.NewStorageFailureError("workflows.list", err)
	}
	out := make([]catalog.Workflow, len(rows))
	for i, r := range rows {
		out[i] = r.toWorkflow()
	}
	return out, nil
}

var _ catalog.Store = (*WorkflowStore)(nil)

package axdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/lib/pq"
)

// Postgres is the production Store. Each table keeps the compare-and-swap
// columns relational and the rest of the document as jsonb.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens the database, runs migrations and returns the store.
func NewPostgres(ctx context.Context, logger *slog.Logger, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := newMigrationManager(logger, db, migrations()).Run(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{db: db, logger: logger}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func marshalDoc(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	return raw, nil
}

func scanDoc[T any](row interface{ Scan(...any) error }, what string) (*T, error) {
	var raw []byte

	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}

		return nil, fmt.Errorf("failed to scan %s: %w", what, err)
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}

	return out, nil
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := make([]*T, 0)

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		item := new(T)
		if err := json.Unmarshal(raw, item); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}

		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}

func (p *Postgres) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	doc, err := marshalDoc(wf)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workflows (id, status, ts, doc) VALUES ($1, $2, $3, $4)`,
		wf.ID, string(wf.Status), wf.Timestamp, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %s: %w", wf.ID, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	return nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT doc || jsonb_build_object('status', status) FROM workflows WHERE id = $1`, id)

	return scanDoc[models.Workflow](row, "workflow "+id)
}

func (p *Postgres) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	return listDocs[models.Workflow](ctx, p.db,
		`SELECT doc || jsonb_build_object('status', status) FROM workflows ORDER BY ts ASC`)
}

func (p *Postgres) UpdateWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE workflows SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 0 {
		if _, getErr := p.GetWorkflow(ctx, id); getErr != nil {
			return getErr
		}

		return fmt.Errorf("workflow %s not in status %s: %w", id, from, ErrConditionFailed)
	}

	return nil
}

func (p *Postgres) UpdateWorkflow(ctx context.Context, wf *models.Workflow) error {
	doc, err := marshalDoc(wf)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE workflows SET ts = $2, doc = $3 WHERE id = $1`,
		wf.ID, wf.Timestamp, doc)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrNotFound)
	}

	return nil
}

func (p *Postgres) AppendWorkflowEvent(ctx context.Context, ev *models.WorkflowEvent) error {
	doc, err := marshalDoc(ev)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workflow_events (root_id, doc) VALUES ($1, $2)`, ev.RootID, doc)
	if err != nil {
		return fmt.Errorf("failed to append workflow event: %w", err)
	}

	return nil
}

func (p *Postgres) ListWorkflowEvents(ctx context.Context, rootID string) ([]*models.WorkflowEvent, error) {
	return listDocs[models.WorkflowEvent](ctx, p.db,
		`SELECT doc FROM workflow_events WHERE root_id = $1 ORDER BY seq ASC`, rootID)
}

func (p *Postgres) InsertNodeResult(ctx context.Context, r *models.NodeResult) error {
	doc, err := marshalDoc(r)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workflow_node_results (root_id, sn, doc) VALUES ($1, $2, $3)`,
		r.RootID, r.SN, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node result %s/%d: %w", r.RootID, r.SN, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to insert node result: %w", err)
	}

	return nil
}

func (p *Postgres) ListNodeResults(ctx context.Context, rootID string) ([]*models.NodeResult, error) {
	return listDocs[models.NodeResult](ctx, p.db,
		`SELECT doc FROM workflow_node_results WHERE root_id = $1 ORDER BY sn ASC`, rootID)
}

func (p *Postgres) GetMeta(ctx context.Context, key string) (string, error) {
	var value string

	err := p.db.QueryRowContext(ctx, `SELECT value FROM artifact_meta WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("meta %s: %w", key, ErrNotFound)
		}

		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}

	return value, nil
}

func (p *Postgres) SetMeta(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO artifact_meta (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}

	return nil
}

func (p *Postgres) DeleteMeta(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM artifact_meta WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}

	return nil
}

func (p *Postgres) PutFixtureClass(ctx context.Context, class *models.FixtureClass) error {
	doc, err := marshalDoc(class)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO fixture_classes (id, name, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, doc = EXCLUDED.doc`,
		class.ID, class.Name, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("fixture class name %q: %w", class.Name, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to put fixture class: %w", err)
	}

	return nil
}

func (p *Postgres) GetFixtureClass(ctx context.Context, id string) (*models.FixtureClass, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM fixture_classes WHERE id = $1`, id)

	return scanDoc[models.FixtureClass](row, "fixture class "+id)
}

func (p *Postgres) GetFixtureClassByName(ctx context.Context, name string) (*models.FixtureClass, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM fixture_classes WHERE name = $1`, name)

	return scanDoc[models.FixtureClass](row, "fixture class "+name)
}

func (p *Postgres) ListFixtureClasses(ctx context.Context) ([]*models.FixtureClass, error) {
	return listDocs[models.FixtureClass](ctx, p.db, `SELECT doc FROM fixture_classes ORDER BY name ASC`)
}

func (p *Postgres) DeleteFixtureClass(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM fixture_classes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fixture class: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fixture class %s: %w", id, ErrNotFound)
	}

	return nil
}

func (p *Postgres) CreateFixtureInstance(ctx context.Context, inst *models.FixtureInstance) error {
	doc, err := marshalDoc(inst)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO fixture_instances (id, doc) VALUES ($1, $2)`, inst.ID, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("fixture instance %s: %w", inst.ID, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to insert fixture instance: %w", err)
	}

	return nil
}

func (p *Postgres) GetFixtureInstance(ctx context.Context, id string) (*models.FixtureInstance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM fixture_instances WHERE id = $1`, id)

	return scanDoc[models.FixtureInstance](row, "fixture instance "+id)
}

func (p *Postgres) ListFixtureInstances(ctx context.Context) ([]*models.FixtureInstance, error) {
	return listDocs[models.FixtureInstance](ctx, p.db, `SELECT doc FROM fixture_instances ORDER BY id ASC`)
}

func (p *Postgres) UpdateFixtureInstance(ctx context.Context, inst *models.FixtureInstance) error {
	doc, err := marshalDoc(inst)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE fixture_instances SET doc = $2 WHERE id = $1`, inst.ID, doc)
	if err != nil {
		return fmt.Errorf("failed to update fixture instance: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fixture instance %s: %w", inst.ID, ErrNotFound)
	}

	return nil
}

func (p *Postgres) DeleteFixtureInstance(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM fixture_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fixture instance: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fixture instance %s: %w", id, ErrNotFound)
	}

	return nil
}

func (p *Postgres) CreateFixtureRequest(ctx context.Context, req *models.FixtureRequest) error {
	doc, err := marshalDoc(req)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO fixture_requests (service_id, request_time, doc) VALUES ($1, $2, $3)`,
		req.ServiceID, req.RequestTime, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("fixture request %s: %w", req.ServiceID, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to insert fixture request: %w", err)
	}

	return nil
}

func (p *Postgres) GetFixtureRequest(ctx context.Context, serviceID string) (*models.FixtureRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM fixture_requests WHERE service_id = $1`, serviceID)

	return scanDoc[models.FixtureRequest](row, "fixture request "+serviceID)
}

func (p *Postgres) ListFixtureRequests(ctx context.Context) ([]*models.FixtureRequest, error) {
	return listDocs[models.FixtureRequest](ctx, p.db,
		`SELECT doc FROM fixture_requests ORDER BY request_time ASC`)
}

func (p *Postgres) UpdateFixtureRequest(ctx context.Context, req *models.FixtureRequest) error {
	doc, err := marshalDoc(req)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE fixture_requests SET doc = $2 WHERE service_id = $1`, req.ServiceID, doc)
	if err != nil {
		return fmt.Errorf("failed to update fixture request: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fixture request %s: %w", req.ServiceID, ErrNotFound)
	}

	return nil
}

func (p *Postgres) DeleteFixtureRequest(ctx context.Context, serviceID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM fixture_requests WHERE service_id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("failed to delete fixture request: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fixture request %s: %w", serviceID, ErrNotFound)
	}

	return nil
}

func (p *Postgres) CreateVolume(ctx context.Context, vol *models.Volume) error {
	doc, err := marshalDoc(vol)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO volumes (id, axrn, doc) VALUES ($1, $2, $3)`, vol.ID, vol.AXRN, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("volume %s (%s): %w", vol.ID, vol.AXRN, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to insert volume: %w", err)
	}

	return nil
}

func (p *Postgres) GetVolume(ctx context.Context, id string) (*models.Volume, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM volumes WHERE id = $1`, id)

	return scanDoc[models.Volume](row, "volume "+id)
}

func (p *Postgres) GetVolumeByAXRN(ctx context.Context, axrn string) (*models.Volume, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM volumes WHERE axrn = $1`, axrn)

	return scanDoc[models.Volume](row, "volume "+axrn)
}

func (p *Postgres) ListVolumes(ctx context.Context) ([]*models.Volume, error) {
	return listDocs[models.Volume](ctx, p.db, `SELECT doc FROM volumes ORDER BY id ASC`)
}

func (p *Postgres) UpdateVolume(ctx context.Context, vol *models.Volume) error {
	doc, err := marshalDoc(vol)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE volumes SET axrn = $2, doc = $3 WHERE id = $1`, vol.ID, vol.AXRN, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("volume axrn %s: %w", vol.AXRN, ErrAlreadyExists)
		}

		return fmt.Errorf("failed to update volume: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("volume %s: %w", vol.ID, ErrNotFound)
	}

	return nil
}

func (p *Postgres) DeleteVolume(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM volumes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete volume: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("volume %s: %w", id, ErrNotFound)
	}

	return nil
}

func (p *Postgres) PutStorageClass(ctx context.Context, sc *models.StorageClass) error {
	doc, err := marshalDoc(sc)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO storage_classes (name, doc) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc`, sc.Name, doc)
	if err != nil {
		return fmt.Errorf("failed to put storage class: %w", err)
	}

	return nil
}

func (p *Postgres) GetStorageClassByName(ctx context.Context, name string) (*models.StorageClass, error) {
	row := p.db.QueryRowContext(ctx, `SELECT doc FROM storage_classes WHERE name = $1`, name)

	return scanDoc[models.StorageClass](row, "storage class "+name)
}

func (p *Postgres) ListStorageClasses(ctx context.Context) ([]*models.StorageClass, error) {
	return listDocs[models.StorageClass](ctx, p.db, `SELECT doc FROM storage_classes ORDER BY name ASC`)
}

func (p *Postgres) PutRetentionPolicy(ctx context.Context, pol *models.RetentionPolicy) error {
	doc, err := marshalDoc(pol)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO retention_policies (tag_name, total_number, total_size, total_real_size, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tag_name) DO UPDATE SET
			total_number = EXCLUDED.total_number,
			total_size = EXCLUDED.total_size,
			total_real_size = EXCLUDED.total_real_size,
			doc = EXCLUDED.doc`,
		pol.TagName, pol.TotalNumber, pol.TotalSize, pol.TotalRealSize, doc)
	if err != nil {
		return fmt.Errorf("failed to put retention policy: %w", err)
	}

	return nil
}

func (p *Postgres) GetRetentionPolicy(ctx context.Context, tag string) (*models.RetentionPolicy, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT doc || jsonb_build_object(
			'total_number', total_number,
			'total_size', total_size,
			'total_real_size', total_real_size)
		 FROM retention_policies WHERE tag_name = $1`, tag)

	return scanDoc[models.RetentionPolicy](row, "retention policy "+tag)
}

func (p *Postgres) ListRetentionPolicies(ctx context.Context) ([]*models.RetentionPolicy, error) {
	return listDocs[models.RetentionPolicy](ctx, p.db,
		`SELECT doc || jsonb_build_object(
			'total_number', total_number,
			'total_size', total_size,
			'total_real_size', total_real_size)
		 FROM retention_policies ORDER BY tag_name ASC`)
}

func (p *Postgres) DeleteRetentionPolicy(ctx context.Context, tag string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM retention_policies WHERE tag_name = $1`, tag)
	if err != nil {
		return fmt.Errorf("failed to delete retention policy: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retention policy %q: %w", tag, ErrNotFound)
	}

	return nil
}

func (p *Postgres) SwapRetentionTotals(ctx context.Context, prior, next *models.RetentionPolicy) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE retention_policies
		 SET total_number = $2, total_size = $3, total_real_size = $4
		 WHERE tag_name = $1 AND total_number = $5 AND total_size = $6 AND total_real_size = $7`,
		next.TagName, next.TotalNumber, next.TotalSize, next.TotalRealSize,
		prior.TotalNumber, prior.TotalSize, prior.TotalRealSize)
	if err != nil {
		return fmt.Errorf("failed to swap retention totals: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 0 {
		if _, getErr := p.GetRetentionPolicy(ctx, next.TagName); getErr != nil {
			return getErr
		}

		return fmt.Errorf("retention policy %q totals moved: %w", next.TagName, ErrConditionFailed)
	}

	return nil
}

func (p *Postgres) PageArtifacts(ctx context.Context, afterAXTime int64, limit int) ([]*models.Artifact, error) {
	return listDocs[models.Artifact](ctx, p.db,
		`SELECT doc || jsonb_build_object('deleted', deleted)
		 FROM artifacts WHERE ax_time >= $1
		 ORDER BY ax_time ASC, artifact_id ASC LIMIT $2`, afterAXTime, limit)
}

func (p *Postgres) UpdateArtifactDeleted(ctx context.Context, artifactID string, from, to int) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE artifacts SET deleted = $3 WHERE artifact_id = $1 AND deleted = $2`,
		artifactID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update artifact: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("artifact %s deleted != %d: %w", artifactID, from, ErrConditionFailed)
	}

	return nil
}

func (p *Postgres) PutReservation(ctx context.Context, r *models.CategoryReservation, priorTimestamp int64) error {
	doc, err := marshalDoc(r)
	if err != nil {
		return err
	}

	if priorTimestamp == 0 {
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO resource_reservations (resource_id, ts, doc) VALUES ($1, $2, $3)`,
			r.ResourceID, r.Timestamp, doc)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("reservation %s: %w", r.ResourceID, ErrAlreadyExists)
			}

			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		return nil
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE resource_reservations SET ts = $2, doc = $3 WHERE resource_id = $1 AND ts = $4`,
		r.ResourceID, r.Timestamp, doc, priorTimestamp)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reservation %s moved: %w", r.ResourceID, ErrConditionFailed)
	}

	return nil
}

func (p *Postgres) DeleteReservation(ctx context.Context, resourceID string, priorTimestamp int64) error {
	var (
		res sql.Result
		err error
	)

	if priorTimestamp == 0 {
		res, err = p.db.ExecContext(ctx,
			`DELETE FROM resource_reservations WHERE resource_id = $1`, resourceID)
	} else {
		res, err = p.db.ExecContext(ctx,
			`DELETE FROM resource_reservations WHERE resource_id = $1 AND ts = $2`,
			resourceID, priorTimestamp)
	}

	if err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reservation %s: %w", resourceID, ErrNotFound)
	}

	return nil
}

func (p *Postgres) ListReservations(ctx context.Context) ([]*models.CategoryReservation, error) {
	return listDocs[models.CategoryReservation](ctx, p.db,
		`SELECT doc FROM resource_reservations ORDER BY resource_id ASC`)
}

func (p *Postgres) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Postgres) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

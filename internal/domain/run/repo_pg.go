package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramq/validateur/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Run Repository ===========

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRunRepoPG(pool *pgxpool.Pool) RunRepository { return &runRepoPG{pool: pool} }

const runCols = `id, created_by, file_name, stage, progress, records_parsed,
	error_count, optimization_count, info_count, error_code, error_message, created_at, updated_at`

func (r *runRepoPG) scanRun(row pgx.Row) (*ValidationRun, error) {
	var v ValidationRun
	err := row.Scan(&v.ID, &v.CreatedBy, &v.FileName, &v.Stage, &v.Progress, &v.RecordsParsed,
		&v.ErrorCount, &v.OptimizationCount, &v.InfoCount, &v.ErrorCode, &v.ErrorMessage, &v.CreatedAt, &v.UpdatedAt)
	return &v, mapNotFound(err)
}

func (r *runRepoPG) Create(ctx context.Context, v *ValidationRun) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO validation_runs (id, created_by, file_name, file_content, stage, progress)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.CreatedBy, v.FileName, v.FileContent, v.Stage, v.Progress)
	return err
}

func (r *runRepoPG) Get(ctx context.Context, id uuid.UUID) (*ValidationRun, error) {
	return r.scanRun(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+runCols+` FROM validation_runs WHERE id = $1`, id))
}

func (r *runRepoPG) FileContent(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var content []byte
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT file_content FROM validation_runs WHERE id = $1`, id).Scan(&content)
	return content, mapNotFound(err)
}

func (r *runRepoPG) List(ctx context.Context, createdBy string, limit, offset int) ([]*ValidationRun, int, error) {
	where := ``
	args := []interface{}{}
	if createdBy != "" {
		where = ` WHERE created_by = $1`
		args = append(args, createdBy)
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM validation_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	dataArgs := append(args, limit, offset)
	rows, err := conn(ctx, r.pool).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM validation_runs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			runCols, where, n+1, n+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*ValidationRun
	for rows.Next() {
		v, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, v)
	}
	return runs, total, rows.Err()
}

func (r *runRepoPG) SetStage(ctx context.Context, id uuid.UUID, stage string, progress int) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE validation_runs SET stage = $2, progress = $3, updated_at = NOW()
		WHERE id = $1 AND stage NOT IN ($4, $5)`,
		id, stage, progress, StageDone, StageFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrTerminalStage
	}
	return nil
}

func (r *runRepoPG) SetParsed(ctx context.Context, id uuid.UUID, recordsParsed int) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE validation_runs SET records_parsed = $2, updated_at = NOW() WHERE id = $1`,
		id, recordsParsed)
	return err
}

func (r *runRepoPG) Complete(ctx context.Context, id uuid.UUID, tally Tally) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE validation_runs
		SET stage = $2, progress = 100, error_count = $3, optimization_count = $4, info_count = $5,
			updated_at = NOW()
		WHERE id = $1`,
		id, StageDone, tally.Errors, tally.Optimizations, tally.Infos)
	return err
}

func (r *runRepoPG) Fail(ctx context.Context, id uuid.UUID, code, message string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE validation_runs
		SET stage = $2, error_code = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1`,
		id, StageFailed, code, message)
	return err
}

func (r *runRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM validation_runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Record Repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository { return &recordRepoPG{pool: pool} }

const recordCols = `id, validation_run_id, record_number, facture, id_ramq, date_service,
	debut, fin, periode, lieu_pratique, secteur_activite, diagnostic, code, unites, role,
	element_contexte, montant_preliminaire, montant_paye, doctor_info, patient, custom_fields`

func (r *recordRepoPG) BulkInsert(ctx context.Context, records []BillingRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.CustomFields == nil {
			rec.CustomFields = map[string]string{}
		}
		batch.Queue(`
			INSERT INTO billing_records (`+recordCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			rec.ID, rec.ValidationRunID, rec.RecordNumber, rec.Facture, rec.IDRamq, rec.DateService,
			rec.Debut, rec.Fin, rec.Periode, rec.LieuPratique, rec.SecteurActivite, rec.Diagnostic,
			rec.Code, rec.Unites, rec.Role, rec.ElementContexte, rec.MontantPreliminaire,
			rec.MontantPaye, rec.DoctorInfo, rec.Patient, rec.CustomFields)
	}
	return conn(ctx, r.pool).SendBatch(ctx, batch).Close()
}

func (r *recordRepoPG) ListByRun(ctx context.Context, runID uuid.UUID) ([]BillingRecord, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+recordCols+` FROM billing_records WHERE validation_run_id = $1 ORDER BY record_number`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BillingRecord
	for rows.Next() {
		var rec BillingRecord
		if err := rows.Scan(&rec.ID, &rec.ValidationRunID, &rec.RecordNumber, &rec.Facture, &rec.IDRamq,
			&rec.DateService, &rec.Debut, &rec.Fin, &rec.Periode, &rec.LieuPratique, &rec.SecteurActivite,
			&rec.Diagnostic, &rec.Code, &rec.Unites, &rec.Role, &rec.ElementContexte,
			&rec.MontantPreliminaire, &rec.MontantPaye, &rec.DoctorInfo, &rec.Patient, &rec.CustomFields); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *recordRepoPG) DeleteByRun(ctx context.Context, runID uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM billing_records WHERE validation_run_id = $1`, runID)
	return err
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

const resultCols = `id, validation_run_id, rule_id, seq, severity, category, message, solution,
	billing_record_id, affected_records, id_ramq, rule_data, created_at`

func (r *resultRepoPG) BulkInsert(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, res := range results {
		if res.RuleData == nil {
			res.RuleData = map[string]any{}
		}
		if res.AffectedRecords == nil {
			res.AffectedRecords = []uuid.UUID{}
		}
		batch.Queue(`
			INSERT INTO validation_results (`+resultCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			res.ID, res.ValidationRunID, res.RuleID, res.Seq, res.Severity, res.Category,
			res.Message, res.Solution, res.BillingRecordID, res.AffectedRecords, res.IDRamq,
			res.RuleData, res.CreatedAt)
	}
	return conn(ctx, r.pool).SendBatch(ctx, batch).Close()
}

func (r *resultRepoPG) ListByRun(ctx context.Context, runID uuid.UUID, severity string, limit, offset int) ([]Result, int, error) {
	where := ` WHERE validation_run_id = $1`
	args := []interface{}{runID}
	if severity != "" {
		where += ` AND severity = $2`
		args = append(args, severity)
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM validation_results`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	dataArgs := append(args, limit, offset)
	rows, err := conn(ctx, r.pool).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM validation_results%s ORDER BY seq LIMIT $%d OFFSET $%d`,
			resultCols, where, n+1, n+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.ID, &res.ValidationRunID, &res.RuleID, &res.Seq, &res.Severity,
			&res.Category, &res.Message, &res.Solution, &res.BillingRecordID, &res.AffectedRecords,
			&res.IDRamq, &res.RuleData, &res.CreatedAt); err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}
	return results, total, rows.Err()
}

func (r *resultRepoPG) DeleteByRun(ctx context.Context, runID uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM validation_results WHERE validation_run_id = $1`, runID)
	return err
}

package catalog

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

// =========== Code Repository ===========

type codeRepoPG struct{ pool *pgxpool.Pool }

func NewCodeRepoPG(pool *pgxpool.Pool) CodeRepository { return &codeRepoPG{pool: pool} }

const codeCols = `code, description, category, place, tariff_value, extra_unit_value,
	unit_required, top_level, level1_group, level2_group, leaf, active, custom_fields, updated_at`

func (r *codeRepoPG) scanCode(row pgx.Row) (*BillingCode, error) {
	var c BillingCode
	err := row.Scan(&c.Code, &c.Description, &c.Category, &c.Place, &c.TariffValue, &c.ExtraUnitValue,
		&c.UnitRequired, &c.TopLevel, &c.Level1Group, &c.Level2Group, &c.Leaf, &c.Active, &c.CustomFields, &c.UpdatedAt)
	return &c, mapNotFound(err)
}

func (r *codeRepoPG) Upsert(ctx context.Context, c *BillingCode) error {
	if c.CustomFields == nil {
		c.CustomFields = map[string]any{}
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO billing_codes (code, description, category, place, tariff_value, extra_unit_value,
			unit_required, top_level, level1_group, level2_group, leaf, active, custom_fields)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (code) DO UPDATE SET
			description=EXCLUDED.description, category=EXCLUDED.category, place=EXCLUDED.place,
			tariff_value=EXCLUDED.tariff_value, extra_unit_value=EXCLUDED.extra_unit_value,
			unit_required=EXCLUDED.unit_required, top_level=EXCLUDED.top_level,
			level1_group=EXCLUDED.level1_group, level2_group=EXCLUDED.level2_group,
			leaf=EXCLUDED.leaf, active=EXCLUDED.active, custom_fields=EXCLUDED.custom_fields,
			updated_at=NOW()`,
		c.Code, c.Description, c.Category, c.Place, c.TariffValue, c.ExtraUnitValue,
		c.UnitRequired, c.TopLevel, c.Level1Group, c.Level2Group, c.Leaf, c.Active, c.CustomFields)
	return err
}

func (r *codeRepoPG) GetByCode(ctx context.Context, code string) (*BillingCode, error) {
	return r.scanCode(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+codeCols+` FROM billing_codes WHERE code = $1`, code))
}

func (r *codeRepoPG) List(ctx context.Context, query string, limit, offset int) ([]*BillingCode, int, error) {
	where := ``
	args := []interface{}{}
	if query != "" {
		where = ` WHERE code ILIKE $1 OR description ILIKE $1`
		args = append(args, "%"+query+"%")
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM billing_codes`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	dataArgs := append(args, limit, offset)
	rows, err := conn(ctx, r.pool).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM billing_codes%s ORDER BY code LIMIT $%d OFFSET $%d`,
			codeCols, where, n+1, n+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*BillingCode
	for rows.Next() {
		c, err := r.scanCode(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

func (r *codeRepoPG) ListAll(ctx context.Context) ([]*BillingCode, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+codeCols+` FROM billing_codes WHERE active ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillingCode
	for rows.Next() {
		c, err := r.scanCode(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, nil
}

func (r *codeRepoPG) Delete(ctx context.Context, code string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM billing_codes WHERE code = $1`, code)
	return err
}

// =========== Context Repository ===========

type contextRepoPG struct{ pool *pgxpool.Pool }

func NewContextRepoPG(pool *pgxpool.Pool) ContextRepository { return &contextRepoPG{pool: pool} }

const contextCols = `name, description, tags, custom_fields, updated_at`

func (r *contextRepoPG) scanContext(row pgx.Row) (*ContextElement, error) {
	var e ContextElement
	err := row.Scan(&e.Name, &e.Description, &e.Tags, &e.CustomFields, &e.UpdatedAt)
	return &e, mapNotFound(err)
}

func (r *contextRepoPG) Upsert(ctx context.Context, e *ContextElement) error {
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.CustomFields == nil {
		e.CustomFields = map[string]any{}
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO context_elements (name, description, tags, custom_fields)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (name) DO UPDATE SET
			description=EXCLUDED.description, tags=EXCLUDED.tags,
			custom_fields=EXCLUDED.custom_fields, updated_at=NOW()`,
		e.Name, e.Description, e.Tags, e.CustomFields)
	return err
}

func (r *contextRepoPG) GetByName(ctx context.Context, name string) (*ContextElement, error) {
	return r.scanContext(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+contextCols+` FROM context_elements WHERE name = $1`, name))
}

func (r *contextRepoPG) ListAll(ctx context.Context) ([]*ContextElement, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+contextCols+` FROM context_elements ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ContextElement
	for rows.Next() {
		e, err := r.scanContext(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, nil
}

func (r *contextRepoPG) Delete(ctx context.Context, name string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM context_elements WHERE name = $1`, name)
	return err
}

// =========== Establishment Repository ===========

type establishmentRepoPG struct{ pool *pgxpool.Pool }

func NewEstablishmentRepoPG(pool *pgxpool.Pool) EstablishmentRepository {
	return &establishmentRepoPG{pool: pool}
}

const establishmentCols = `name, type, region, active, custom_fields, updated_at`

func (r *establishmentRepoPG) scanEstablishment(row pgx.Row) (*Establishment, error) {
	var e Establishment
	err := row.Scan(&e.Name, &e.Type, &e.Region, &e.Active, &e.CustomFields, &e.UpdatedAt)
	return &e, mapNotFound(err)
}

func (r *establishmentRepoPG) Upsert(ctx context.Context, e *Establishment) error {
	if e.CustomFields == nil {
		e.CustomFields = map[string]any{}
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO establishments (name, type, region, active, custom_fields)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET
			type=EXCLUDED.type, region=EXCLUDED.region, active=EXCLUDED.active,
			custom_fields=EXCLUDED.custom_fields, updated_at=NOW()`,
		e.Name, e.Type, e.Region, e.Active, e.CustomFields)
	return err
}

func (r *establishmentRepoPG) GetByName(ctx context.Context, name string) (*Establishment, error) {
	return r.scanEstablishment(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+establishmentCols+` FROM establishments WHERE name = $1`, name))
}

func (r *establishmentRepoPG) ListAll(ctx context.Context) ([]*Establishment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+establishmentCols+` FROM establishments WHERE active ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Establishment
	for rows.Next() {
		e, err := r.scanEstablishment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, nil
}

func (r *establishmentRepoPG) Delete(ctx context.Context, name string) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM establishments WHERE name = $1`, name)
	return err
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

const ruleCols = `id, name, rule_type, category, condition, threshold, enabled,
	custom_fields, created_at, updated_at`

func (r *ruleRepoPG) scanRule(row pgx.Row) (*Rule, error) {
	var rl Rule
	err := row.Scan(&rl.ID, &rl.Name, &rl.RuleType, &rl.Category, &rl.Condition, &rl.Threshold, &rl.Enabled,
		&rl.CustomFields, &rl.CreatedAt, &rl.UpdatedAt)
	return &rl, mapNotFound(err)
}

func (r *ruleRepoPG) Create(ctx context.Context, rl *Rule) error {
	if rl.ID == uuid.Nil {
		rl.ID = uuid.New()
	}
	if rl.Condition == nil {
		rl.Condition = []byte(`{}`)
	}
	if rl.CustomFields == nil {
		rl.CustomFields = map[string]any{}
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO rules (id, name, rule_type, category, condition, threshold, enabled, custom_fields)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rl.ID, rl.Name, rl.RuleType, rl.Category, rl.Condition, rl.Threshold, rl.Enabled, rl.CustomFields)
	return err
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return r.scanRule(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = $1`, id))
}

func (r *ruleRepoPG) Update(ctx context.Context, rl *Rule) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE rules SET name=$2, rule_type=$3, category=$4, condition=$5,
			threshold=$6, enabled=$7, custom_fields=$8, updated_at=NOW()
		WHERE id = $1`,
		rl.ID, rl.Name, rl.RuleType, rl.Category, rl.Condition,
		rl.Threshold, rl.Enabled, rl.CustomFields)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ruleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	return err
}

func (r *ruleRepoPG) List(ctx context.Context, limit, offset int) ([]*Rule, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM rules`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+ruleCols+` FROM rules ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Rule
	for rows.Next() {
		rl, err := r.scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rl)
	}
	return items, total, nil
}

func (r *ruleRepoPG) ListEnabled(ctx context.Context) ([]*Rule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+ruleCols+` FROM rules WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Rule
	for rows.Next() {
		rl, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rl)
	}
	return items, nil
}

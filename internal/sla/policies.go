package sla

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgx used by the policy store.
type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store reads and writes SLA policies. It implements PolicySource.
type Store struct {
	DB DB
}

const policyCols = `id::text, name, priority, response_mins, response_business_hours,
resolution_mins, resolution_business_hours, coalesce(escalations, '[]'::jsonb),
hours, coalesce(categories, '{}'), coalesce(sites, '{}'), is_default, is_active`

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	var esc []byte
	var hours []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Priority, &p.ResponseMins, &p.ResponseBizHours,
		&p.ResolutionMins, &p.ResolutionBizHours, &esc, &hours,
		&p.Categories, &p.Sites, &p.IsDefault, &p.IsActive); err != nil {
		return nil, err
	}
	if len(esc) > 0 {
		if err := json.Unmarshal(esc, &p.Escalations); err != nil {
			return nil, err
		}
	}
	if len(hours) > 0 {
		p.Hours = &BusinessHours{}
		if err := json.Unmarshal(hours, p.Hours); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// Resolve returns the applicable policy: a category or site match wins over
// the priority default. No match returns (nil, nil) so the engine falls back.
func (s *Store) Resolve(ctx context.Context, prio Priority, categoryID, siteID string) (*Policy, error) {
	if categoryID != "" || siteID != "" {
		row := s.DB.QueryRow(ctx, `select `+policyCols+` from sla_policies
where is_active and ($1 <> '' and $1 = any(coalesce(categories, '{}')) or $2 <> '' and $2 = any(coalesce(sites, '{}')))
order by is_default desc, created_at asc limit 1`, categoryID, siteID)
		p, err := scanPolicy(row)
		if err == nil {
			return p, nil
		}
		if err != pgx.ErrNoRows {
			return nil, err
		}
	}
	row := s.DB.QueryRow(ctx, `select `+policyCols+` from sla_policies
where is_active and is_default and priority=$1 limit 1`, string(prio))
	p, err := scanPolicy(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns all policies ordered by priority then name.
func (s *Store) List(ctx context.Context) ([]Policy, error) {
	rows, err := s.DB.Query(ctx, `select `+policyCols+` from sla_policies
order by case priority when 'critical' then 0 when 'high' then 1 when 'medium' then 2 else 3 end, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Get returns a policy by id, or pgx.ErrNoRows.
func (s *Store) Get(ctx context.Context, id string) (*Policy, error) {
	return scanPolicy(s.DB.QueryRow(ctx, `select `+policyCols+` from sla_policies where id=$1`, id))
}

// Create inserts a policy and returns its id.
func (s *Store) Create(ctx context.Context, p Policy) (string, error) {
	esc, err := json.Marshal(p.Escalations)
	if err != nil {
		return "", err
	}
	var hours []byte
	if p.Hours != nil {
		if hours, err = json.Marshal(p.Hours); err != nil {
			return "", err
		}
	}
	var id string
	err = s.DB.QueryRow(ctx, `insert into sla_policies
(name, priority, response_mins, response_business_hours, resolution_mins, resolution_business_hours,
 escalations, hours, categories, sites, is_default, is_active)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) returning id::text`,
		p.Name, string(p.Priority), p.ResponseMins, p.ResponseBizHours,
		p.ResolutionMins, p.ResolutionBizHours, esc, hours,
		p.Categories, p.Sites, p.IsDefault, p.IsActive).Scan(&id)
	return id, err
}

// PolicyPatch carries the updatable policy fields. Nil means unchanged.
// Priority is immutable; the default flag moves only through SetDefault.
type PolicyPatch struct {
	Name               *string
	ResponseMins       *int
	ResponseBizHours   *bool
	ResolutionMins     *int
	ResolutionBizHours *bool
	Escalations        []EscalationStep
	Hours              *BusinessHours
	Categories         []string
	Sites              []string
}

// Update applies the patch to an active policy and returns the new state,
// or pgx.ErrNoRows.
func (s *Store) Update(ctx context.Context, id string, patch PolicyPatch) (*Policy, error) {
	var esc, hours []byte
	var err error
	if patch.Escalations != nil {
		if esc, err = json.Marshal(patch.Escalations); err != nil {
			return nil, err
		}
	}
	if patch.Hours != nil {
		if hours, err = json.Marshal(patch.Hours); err != nil {
			return nil, err
		}
	}
	row := s.DB.QueryRow(ctx, `update sla_policies set
name = coalesce($2, name),
response_mins = coalesce($3, response_mins),
response_business_hours = coalesce($4, response_business_hours),
resolution_mins = coalesce($5, resolution_mins),
resolution_business_hours = coalesce($6, resolution_business_hours),
escalations = coalesce($7, escalations),
hours = coalesce($8, hours),
categories = coalesce($9, categories),
sites = coalesce($10, sites)
where id = $1 and is_active
returning `+policyCols,
		id, patch.Name, patch.ResponseMins, patch.ResponseBizHours,
		patch.ResolutionMins, patch.ResolutionBizHours, esc, hours,
		patch.Categories, patch.Sites)
	return scanPolicy(row)
}

// SetDefault makes the policy the single default for its priority. The clear
// and set happen in one statement so two concurrent callers cannot leave zero
// or two defaults for a priority.
func (s *Store) SetDefault(ctx context.Context, id string, prio Priority) error {
	tag, err := s.DB.Exec(ctx, `update sla_policies
set is_default = (id = $2)
where priority = $1 and (is_default or id = $2)`, string(prio), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete deactivates a policy. Policies are never hard-deleted so historic
// incidents keep a resolvable policy id.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `update sla_policies set is_active=false where id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Package releases tracks release records that bundle approved changes.
package releases

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	app "github.com/opsdesk/servicedesk-go/cmd/api/app"
	"github.com/opsdesk/servicedesk-go/internal/sequence"
)

// Release bundles one or more changes into a deployable unit.
type Release struct {
	ID          string     `json:"id"`
	ReleaseID   string     `json:"release_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version"`
	Status      string     `json:"status"`
	ChangeIDs   []string   `json:"change_ids,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	DeployedAt  *time.Time `json:"deployed_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const releaseCols = `id::text, release_id, title, coalesce(description,''), version, status,
coalesce(change_ids,'{}'), scheduled_at, deployed_at, coalesce(created_by,''), created_at, updated_at`

func scanRelease(row pgx.Row) (*Release, error) {
	var r Release
	if err := row.Scan(&r.ID, &r.ReleaseID, &r.Title, &r.Description, &r.Version, &r.Status,
		&r.ChangeIDs, &r.ScheduledAt, &r.DeployedAt, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func bindErrors(c *gin.Context, err error) {
	errs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			errs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	app.AbortError(c, http.StatusBadRequest, "validation_failed", "invalid request body", errs)
}

// List returns recent releases, optionally filtered by ?status=.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := `select ` + releaseCols + ` from releases`
		args := []any{}
		if st := c.Query("status"); st != "" {
			q += ` where status=$1`
			args = append(args, st)
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		q += fmt.Sprintf(` order by created_at desc limit %d`, limit)
		rows, err := a.DB.Query(c.Request.Context(), q, args...)
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		defer rows.Close()
		out := []Release{}
		for rows.Next() {
			r, err := scanRelease(rows)
			if err != nil {
				app.AbortDomainError(c, err)
				return
			}
			out = append(out, *r)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Get returns a release by row id or REL number.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := scanRelease(a.DB.QueryRow(c.Request.Context(),
			`select `+releaseCols+` from releases where id::text=$1 or release_id=$1`, c.Param("id")))
		if err == pgx.ErrNoRows {
			app.AbortError(c, http.StatusNotFound, "not_found", "release not found", nil)
			return
		}
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

type createReq struct {
	Title       string     `json:"title" binding:"required,min=3"`
	Description string     `json:"description"`
	Version     string     `json:"version" binding:"required"`
	ChangeIDs   []string   `json:"change_ids"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	CreatedBy   string     `json:"created_by"`
}

// Create registers a new release in planned state.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		ctx := c.Request.Context()
		relID, err := sequence.Next(ctx, a.DB, "REL", time.Now().UTC())
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		r, err := scanRelease(a.DB.QueryRow(ctx, `insert into releases
(release_id, title, description, version, status, change_ids, scheduled_at, created_by)
values ($1,$2,$3,$4,'planned',$5,$6,$7)
returning `+releaseCols, relID, in.Title, in.Description, in.Version, in.ChangeIDs, in.ScheduledAt, in.CreatedBy))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, r)
	}
}

type updateReq struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Version     *string    `json:"version"`
	Status      *string    `json:"status" binding:"omitempty,oneof=planned scheduled in_progress deployed cancelled"`
	ChangeIDs   []string   `json:"change_ids"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// Update edits a release. Moving to deployed stamps deployed_at.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			bindErrors(c, err)
			return
		}
		r, err := scanRelease(a.DB.QueryRow(c.Request.Context(), `update releases set
title = coalesce($2, title),
description = coalesce($3, description),
version = coalesce($4, version),
status = coalesce($5, status),
change_ids = coalesce($6, change_ids),
scheduled_at = coalesce($7, scheduled_at),
deployed_at = case when $5 = 'deployed' and deployed_at is null then now() else deployed_at end,
updated_at = now()
where (id::text=$1 or release_id=$1) and status not in ('deployed','cancelled')
returning `+releaseCols,
			c.Param("id"), in.Title, in.Description, in.Version, in.Status, in.ChangeIDs, in.ScheduledAt))
		if err == pgx.ErrNoRows {
			app.AbortError(c, http.StatusNotFound, "not_found", "release not found or finalized", nil)
			return
		}
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// Delete cancels a release that has not deployed.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(),
			`update releases set status='cancelled', updated_at=now()
where (id::text=$1 or release_id=$1) and status not in ('deployed','cancelled')`, c.Param("id"))
		if err != nil {
			app.AbortDomainError(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.AbortError(c, http.StatusNotFound, "not_found", "release not found or finalized", nil)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"casetrail/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification is returned when a versioned update matches
	// no row: the case changed under the caller.
	ErrConcurrentModification = errors.New("concurrent modification")
)

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.BusinessCase) error {
	links, err := json.Marshal(nonNil(c.RelevantLinks))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(id,status,owner_id,title,problem_statement,relevant_links,version,cost_approved_at,value_approved_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Status, c.OwnerID, c.Title, c.ProblemStatement, string(links), c.Version,
		nullableStringPtr(c.CostApprovedAt), nullableStringPtr(c.ValueApprovedAt), c.CreatedAt, c.UpdatedAt)
	return err
}

const caseColumns = `id,status,owner_id,title,problem_statement,relevant_links,version,cost_approved_at,value_approved_at,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.BusinessCase, error) {
	var c domain.BusinessCase
	var links string
	var costAt, valueAt sql.NullString
	err := scan(&c.ID, &c.Status, &c.OwnerID, &c.Title, &c.ProblemStatement, &links, &c.Version, &costAt, &valueAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(links), &c.RelevantLinks); err != nil {
		return c, err
	}
	if costAt.Valid {
		c.CostApprovedAt = &costAt.String
	}
	if valueAt.Valid {
		c.ValueApprovedAt = &valueAt.String
	}
	return c, nil
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.BusinessCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.BusinessCase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

type CaseFilters struct {
	Status          string
	OwnerID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.BusinessCase, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BusinessCase
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCaseTx writes the case back guarded by the version it was read at.
// The version column is bumped on success; zero rows affected means another
// writer got there first.
func (r Repo) UpdateCaseTx(ctx context.Context, tx *sql.Tx, c domain.BusinessCase, expectedVersion int64) error {
	links, err := json.Marshal(nonNil(c.RelevantLinks))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, title=?, problem_statement=?, relevant_links=?, version=version+1, cost_approved_at=?, value_approved_at=?, updated_at=? WHERE id=? AND version=?`,
		c.Status, c.Title, c.ProblemStatement, string(links),
		nullableStringPtr(c.CostApprovedAt), nullableStringPtr(c.ValueApprovedAt), c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// StartFinancialModelTx flips the case into the financial-model stage only
// when both approval slots are filled and the status still matches. It
// reports whether this call performed the flip; false is a no-op, not an
// error, so the trigger is safe to fire from both approval paths.
func (r Repo) StartFinancialModelTx(ctx context.Context, tx *sql.Tx, caseID, fromStatus, toStatus, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, version=version+1, updated_at=?
WHERE id=? AND status=? AND cost_approved_at IS NOT NULL AND value_approved_at IS NOT NULL`,
		toStatus, now, caseID, fromStatus)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) UpsertDraft(ctx context.Context, tx *sql.Tx, caseID, kind string, d domain.Draft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(case_id,kind,content_markdown,generated_by,version,last_edited_by,submitted_by,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(case_id,kind) DO UPDATE SET content_markdown=excluded.content_markdown, generated_by=excluded.generated_by, version=excluded.version, last_edited_by=excluded.last_edited_by, submitted_by=excluded.submitted_by, updated_at=excluded.updated_at`,
		caseID, kind, d.ContentMarkdown, d.GeneratedBy, d.Version,
		nullableStringPtr(d.LastEditedBy), nullableStringPtr(d.SubmittedBy), d.UpdatedAt)
	return err
}

func scanDraft(row *sql.Row) (domain.Draft, error) {
	var d domain.Draft
	var lastEditedBy, submittedBy sql.NullString
	err := row.Scan(&d.ContentMarkdown, &d.GeneratedBy, &d.Version, &lastEditedBy, &submittedBy, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if lastEditedBy.Valid {
		d.LastEditedBy = &lastEditedBy.String
	}
	if submittedBy.Valid {
		d.SubmittedBy = &submittedBy.String
	}
	return d, nil
}

func (r Repo) GetDraft(ctx context.Context, caseID, kind string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT content_markdown,generated_by,version,last_edited_by,submitted_by,updated_at FROM drafts WHERE case_id=? AND kind=?`, caseID, kind))
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, caseID, kind string) (domain.Draft, error) {
	return scanDraft(tx.QueryRowContext(ctx, `SELECT content_markdown,generated_by,version,last_edited_by,submitted_by,updated_at FROM drafts WHERE case_id=? AND kind=?`, caseID, kind))
}

func (r Repo) UpsertEffortEstimate(ctx context.Context, tx *sql.Tx, caseID string, e domain.EffortEstimate, now string) error {
	roles, err := json.Marshal(e.Roles)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO effort_estimates(case_id,roles,total_hours,estimated_duration_weeks,notes,generated_by,version,submitted_by,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET roles=excluded.roles, total_hours=excluded.total_hours, estimated_duration_weeks=excluded.estimated_duration_weeks, notes=excluded.notes, generated_by=excluded.generated_by, version=excluded.version, submitted_by=excluded.submitted_by, updated_at=excluded.updated_at`,
		caseID, string(roles), e.TotalHours, e.EstimatedDurationWeeks, e.Notes, e.GeneratedBy, e.Version, nullableStringPtr(e.SubmittedBy), now)
	return err
}

func (r Repo) GetEffortEstimate(ctx context.Context, caseID string) (domain.EffortEstimate, error) {
	var e domain.EffortEstimate
	var roles string
	var submittedBy sql.NullString
	var updatedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT roles,total_hours,estimated_duration_weeks,notes,generated_by,version,submitted_by,updated_at FROM effort_estimates WHERE case_id=?`, caseID).
		Scan(&roles, &e.TotalHours, &e.EstimatedDurationWeeks, &e.Notes, &e.GeneratedBy, &e.Version, &submittedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(roles), &e.Roles); err != nil {
		return e, err
	}
	if submittedBy.Valid {
		e.SubmittedBy = &submittedBy.String
	}
	return e, nil
}

func (r Repo) UpsertCostEstimate(ctx context.Context, tx *sql.Tx, caseID string, c domain.CostEstimate, now string) error {
	lines, err := json.Marshal(c.Lines)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cost_estimates(case_id,lines,total,currency,rate_card_id,notes,generated_by,version,submitted_by,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET lines=excluded.lines, total=excluded.total, currency=excluded.currency, rate_card_id=excluded.rate_card_id, notes=excluded.notes, generated_by=excluded.generated_by, version=excluded.version, submitted_by=excluded.submitted_by, updated_at=excluded.updated_at`,
		caseID, string(lines), c.Total, c.Currency, c.RateCardID, c.Notes, c.GeneratedBy, c.Version, nullableStringPtr(c.SubmittedBy), now)
	return err
}

func (r Repo) GetCostEstimate(ctx context.Context, caseID string) (domain.CostEstimate, error) {
	var c domain.CostEstimate
	var lines string
	var submittedBy sql.NullString
	var updatedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT lines,total,currency,rate_card_id,notes,generated_by,version,submitted_by,updated_at FROM cost_estimates WHERE case_id=?`, caseID).
		Scan(&lines, &c.Total, &c.Currency, &c.RateCardID, &c.Notes, &c.GeneratedBy, &c.Version, &submittedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(lines), &c.Lines); err != nil {
		return c, err
	}
	if submittedBy.Valid {
		c.SubmittedBy = &submittedBy.String
	}
	return c, nil
}

func (r Repo) UpsertValueProjection(ctx context.Context, tx *sql.Tx, caseID string, v domain.ValueProjection, now string) error {
	scenarios, err := json.Marshal(v.Scenarios)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO value_projections(case_id,scenarios,currency,template_used,notes,generated_by,version,submitted_by,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET scenarios=excluded.scenarios, currency=excluded.currency, template_used=excluded.template_used, notes=excluded.notes, generated_by=excluded.generated_by, version=excluded.version, submitted_by=excluded.submitted_by, updated_at=excluded.updated_at`,
		caseID, string(scenarios), v.Currency, v.TemplateUsed, v.Notes, v.GeneratedBy, v.Version, nullableStringPtr(v.SubmittedBy), now)
	return err
}

func (r Repo) GetValueProjection(ctx context.Context, caseID string) (domain.ValueProjection, error) {
	var v domain.ValueProjection
	var scenarios string
	var submittedBy sql.NullString
	var updatedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT scenarios,currency,template_used,notes,generated_by,version,submitted_by,updated_at FROM value_projections WHERE case_id=?`, caseID).
		Scan(&scenarios, &v.Currency, &v.TemplateUsed, &v.Notes, &v.GeneratedBy, &v.Version, &submittedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(scenarios), &v.Scenarios); err != nil {
		return v, err
	}
	if submittedBy.Valid {
		v.SubmittedBy = &submittedBy.String
	}
	return v, nil
}

// InsertFinancialSummary writes the derived summary once. A second insert
// for the same case is a constraint violation, which keeps the summary
// append-only.
func (r Repo) InsertFinancialSummary(ctx context.Context, tx *sql.Tx, caseID string, s domain.FinancialSummary) error {
	scenarios, err := json.Marshal(s.Scenarios)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO financial_summaries(case_id,total_cost,currency,scenarios,payback_note,narrative_markdown,generated_by,generated_at) VALUES (?,?,?,?,?,?,?,?)`,
		caseID, s.TotalCost, s.Currency, string(scenarios), s.PaybackNote, s.NarrativeMarkdown, s.GeneratedBy, s.GeneratedAt)
	return err
}

func (r Repo) GetFinancialSummary(ctx context.Context, caseID string) (domain.FinancialSummary, error) {
	var s domain.FinancialSummary
	var scenarios string
	err := r.DB.QueryRowContext(ctx, `SELECT total_cost,currency,scenarios,payback_note,narrative_markdown,generated_by,generated_at FROM financial_summaries WHERE case_id=?`, caseID).
		Scan(&s.TotalCost, &s.Currency, &scenarios, &s.PaybackNote, &s.NarrativeMarkdown, &s.GeneratedBy, &s.GeneratedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(scenarios), &s.Scenarios); err != nil {
		return s, err
	}
	return s, nil
}

// ListHistory returns entries for a case, newest first, with an id cursor.
func (r Repo) ListHistory(ctx context.Context, caseID string, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"case_id=?"}
	args := []any{caseID}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,case_id,ts,source,message_type,content,actor_id FROM history ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.TS, &e.Source, &e.MessageType, &e.Content, &e.ActorID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HistoryAfter returns entries with IDs greater than the cursor in
// ascending order, across all cases. The webhook dispatcher polls with it.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,case_id,ts,source,message_type,content,actor_id FROM history ` + where + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.TS, &e.Source, &e.MessageType, &e.Content, &e.ActorID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestHistoryID returns the most recent history entry ID.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM history`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountHistory returns the number of history entries for a case.
func (r Repo) CountHistory(ctx context.Context, caseID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM history WHERE case_id=?`, caseID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

// queries implements store.Tx on a pgx transaction.
type queries struct {
	tx       pgx.Tx
	readOnly bool
}

var _ store.Tx = (*queries)(nil)

// forUpdate returns the row-lock suffix, which read-only transactions reject.
func (q *queries) forUpdate() string {
	if q.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

// --- accounts ---

const accountColumns = `id, email, display_name, password_hash, created_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (q *queries) InsertAccount(ctx context.Context, a *models.Account) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash, a.CreatedAt)
	return mapErr(err)
}

func (q *queries) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(q.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (q *queries) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(q.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// LockAccount serializes balance checks for one account (SELECT FOR UPDATE).
func (q *queries) LockAccount(ctx context.Context, id uuid.UUID) error {
	var got uuid.UUID
	err := q.tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1`+q.forUpdate(), id).Scan(&got)
	return mapErr(err)
}

// --- ledger ---

const ledgerColumns = `id, account_id, delta, reason, external_event_id, metadata, created_at, redacted_at`

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var reason string
	if err := row.Scan(&e.ID, &e.AccountID, &e.Delta, &reason, &e.ExternalEventID, &e.Metadata, &e.CreatedAt, &e.RedactedAt); err != nil {
		return nil, mapErr(err)
	}
	e.Reason = models.LedgerReason(reason)
	return &e, nil
}

func (q *queries) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := q.tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, external_event_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.AccountID, e.Delta, string(e.Reason), e.ExternalEventID, meta, e.CreatedAt)
	return mapErr(err)
}

func (q *queries) FindLedgerEntryByEvent(ctx context.Context, reason models.LedgerReason, externalEventID string) (*models.LedgerEntry, error) {
	return scanLedgerEntry(q.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries WHERE reason = $1 AND external_event_id = $2
	`, string(reason), externalEventID))
}

func (q *queries) GetLedgerEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanLedgerEntry(q.tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = $1`, id))
}

func (q *queries) SumLedger(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	err := q.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0)::BIGINT FROM ledger_entries
		WHERE account_id = $1 AND redacted_at IS NULL
	`, accountID).Scan(&sum)
	return sum, mapErr(err)
}

func (q *queries) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.tx.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE account_id = $1 AND redacted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, mapErr(rows.Err())
}

func (q *queries) RedactLedgerEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := q.tx.Exec(ctx, `
		UPDATE ledger_entries SET redacted_at = COALESCE(redacted_at, $2) WHERE id = $1
	`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- processed events ---

func (q *queries) InsertProcessedEvent(ctx context.Context, category, eventID string, at time.Time) (bool, error) {
	tag, err := q.tx.Exec(ctx, `
		INSERT INTO processed_events (category, event_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (category, event_id) DO NOTHING
	`, category, eventID, at)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- campaigns ---

const campaignColumns = `id, owner_id, name, status, prospect_count, credit_cost, base_cost, source_document, prospect_list,
	last_error, created_at, updated_at, deleted_at`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var status string
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &status, &c.ProspectCount, &c.CreditCost, &c.BaseCost, &c.SourceDocument, &c.ProspectList,
		&c.LastError, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	c.Status = models.CampaignStatus(status)
	return &c, nil
}

func (q *queries) InsertCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO campaigns (id, owner_id, name, status, prospect_count, credit_cost, base_cost, source_document, prospect_list,
			last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.OwnerID, c.Name, string(c.Status), c.ProspectCount, c.CreditCost, c.BaseCost, c.SourceDocument, c.ProspectList,
		c.LastError, c.CreatedAt, c.UpdatedAt)
	return mapErr(err)
}

func (q *queries) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	return scanCampaign(q.tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`+q.forUpdate(), id))
}

func (q *queries) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	tag, err := q.tx.Exec(ctx, `
		UPDATE campaigns SET name = $2, status = $3, last_error = $4, updated_at = $5, deleted_at = $6
		WHERE id = $1
	`, c.ID, c.Name, string(c.Status), c.LastError, c.UpdatedAt, c.DeletedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ListCampaignsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Campaign, error) {
	rows, err := q.tx.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var list []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, mapErr(rows.Err())
}

func (q *queries) InsertTransition(ctx context.Context, t *models.Transition) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO campaign_transitions (id, campaign_id, from_status, to_status, event, actor, note, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.CampaignID, string(t.From), string(t.To), string(t.Event), t.Actor, t.Note, t.At)
	return mapErr(err)
}

func (q *queries) ListTransitions(ctx context.Context, campaignID uuid.UUID) ([]*models.Transition, error) {
	rows, err := q.tx.Query(ctx, `
		SELECT id, campaign_id, from_status, to_status, event, actor, note, at
		FROM campaign_transitions WHERE campaign_id = $1 ORDER BY seq
	`, campaignID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var list []*models.Transition
	for rows.Next() {
		var t models.Transition
		var from, to, event string
		if err := rows.Scan(&t.ID, &t.CampaignID, &from, &to, &event, &t.Actor, &t.Note, &t.At); err != nil {
			return nil, mapErr(err)
		}
		t.From, t.To, t.Event = models.CampaignStatus(from), models.CampaignStatus(to), models.CampaignEvent(event)
		list = append(list, &t)
	}
	return list, mapErr(rows.Err())
}

// --- prospects ---

func (q *queries) InsertProspects(ctx context.Context, prospects []*models.Prospect) error {
	rows := make([][]any, 0, len(prospects))
	for _, p := range prospects {
		fields := p.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		rows = append(rows, []any{p.CampaignID, p.Ordinal, p.CompanyName, p.ContactName, p.Email, p.Website, fields, p.AssetStatus, p.Assets})
	}
	_, err := q.tx.CopyFrom(ctx,
		pgx.Identifier{"prospects"},
		[]string{"campaign_id", "ordinal", "company_name", "contact_name", "email", "website", "fields", "asset_status", "assets"},
		pgx.CopyFromRows(rows),
	)
	return mapErr(err)
}

func (q *queries) ListProspects(ctx context.Context, campaignID uuid.UUID) ([]*models.Prospect, error) {
	rows, err := q.tx.Query(ctx, `
		SELECT campaign_id, ordinal, company_name, contact_name, email, website, fields, asset_status, assets
		FROM prospects WHERE campaign_id = $1 ORDER BY ordinal
	`, campaignID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var list []*models.Prospect
	for rows.Next() {
		var p models.Prospect
		if err := rows.Scan(&p.CampaignID, &p.Ordinal, &p.CompanyName, &p.ContactName, &p.Email, &p.Website, &p.Fields, &p.AssetStatus, &p.Assets); err != nil {
			return nil, mapErr(err)
		}
		list = append(list, &p)
	}
	return list, mapErr(rows.Err())
}

func (q *queries) UpdateProspect(ctx context.Context, p *models.Prospect) error {
	tag, err := q.tx.Exec(ctx, `
		UPDATE prospects SET asset_status = $3, assets = $4 WHERE campaign_id = $1 AND ordinal = $2
	`, p.CampaignID, p.Ordinal, p.AssetStatus, p.Assets)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- job runs ---

const jobColumns = `id, campaign_id, kind, external_run_id, status, request, response, created_at, completed_at`

func scanJobRun(row pgx.Row) (*models.JobRun, error) {
	var j models.JobRun
	var kind string
	if err := row.Scan(&j.ID, &j.CampaignID, &kind, &j.ExternalRunID, &j.Status, &j.Request, &j.Response, &j.CreatedAt, &j.CompletedAt); err != nil {
		return nil, mapErr(err)
	}
	j.Kind = models.JobKind(kind)
	return &j, nil
}

func (q *queries) InsertJobRun(ctx context.Context, j *models.JobRun) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO job_runs (id, campaign_id, kind, external_run_id, status, request, response, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.CampaignID, string(j.Kind), j.ExternalRunID, j.Status, j.Request, j.Response, j.CreatedAt, j.CompletedAt)
	return mapErr(err)
}

func (q *queries) GetJobRun(ctx context.Context, id uuid.UUID) (*models.JobRun, error) {
	return scanJobRun(q.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = $1`+q.forUpdate(), id))
}

func (q *queries) UpdateJobRun(ctx context.Context, j *models.JobRun) error {
	tag, err := q.tx.Exec(ctx, `
		UPDATE job_runs SET external_run_id = $2, status = $3, response = $4, completed_at = $5 WHERE id = $1
	`, j.ID, j.ExternalRunID, j.Status, j.Response, j.CompletedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ListOpenJobRuns(ctx context.Context, campaignID uuid.UUID) ([]*models.JobRun, error) {
	return q.listJobs(ctx, `
		SELECT `+jobColumns+` FROM job_runs WHERE campaign_id = $1 AND status = 'pending' ORDER BY created_at
	`, campaignID)
}

func (q *queries) ListStaleJobRuns(ctx context.Context, cutoff time.Time, limit int) ([]*models.JobRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.listJobs(ctx, `
		SELECT `+jobColumns+` FROM job_runs WHERE status = 'pending' AND created_at < $1 ORDER BY created_at LIMIT $2
	`, cutoff, limit)
}

func (q *queries) listJobs(ctx context.Context, sql string, args ...any) ([]*models.JobRun, error) {
	rows, err := q.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var list []*models.JobRun
	for rows.Next() {
		j, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, mapErr(rows.Err())
}

package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const recordColumns = `id, identifier, source, title, company, location, description, payload,
	content_hash, status, status_reason, last_seen_run, created_at, updated_at`

// RecordStore persists job listings in the job_records table.
type RecordStore struct {
	db  *DB
	now func() time.Time
}

func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db, now: time.Now}
}

// MatchKey normalizes a company or title for candidate lookups.
func MatchKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (r *RecordStore) FindByIdentifiers(ctx context.Context, identifiers []string) (map[string][]StoreRecord, error) {
	result := make(map[string][]StoreRecord, len(identifiers))
	if len(identifiers) == 0 {
		return result, nil
	}

	args := make([]interface{}, 0, len(identifiers)+1)
	args = append(args, string(StatusDemoted))
	for _, id := range identifiers {
		args = append(args, id)
	}

	query := `SELECT ` + recordColumns + ` FROM job_records
		WHERE status <> ? AND identifier IN (` + placeholders(len(identifiers)) + `)
		ORDER BY identifier, id`

	records, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find records by identifier")
	}

	for _, rec := range records {
		result[rec.Identifier] = append(result[rec.Identifier], rec)
	}
	return result, nil
}

func (r *RecordStore) FindCandidates(ctx context.Context, companies, titles []string, limit int) ([]StoreRecord, error) {
	companyKeys := matchKeys(companies)
	titleKeys := matchKeys(titles)
	if len(companyKeys) == 0 && len(titleKeys) == 0 {
		return nil, nil
	}

	var conds []string
	args := []interface{}{string(StatusActive)}
	if len(companyKeys) > 0 {
		conds = append(conds, "company_key IN ("+placeholders(len(companyKeys))+")")
		args = append(args, companyKeys...)
	}
	if len(titleKeys) > 0 {
		conds = append(conds, "title_key IN ("+placeholders(len(titleKeys))+")")
		args = append(args, titleKeys...)
	}

	query := `SELECT ` + recordColumns + ` FROM job_records
		WHERE status = ? AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	records, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find duplicate candidates")
	}
	return records, nil
}

func (r *RecordStore) Create(ctx context.Context, in RecordInput, runID string) (*StoreRecord, error) {
	now := r.now()
	rec := StoreRecord{
		Identifier:  in.Identifier,
		Source:      in.Source,
		Title:       in.Title,
		Company:     in.Company,
		Location:    in.Location,
		Description: in.Description,
		Payload:     in.Payload,
		ContentHash: in.ContentHash,
		Status:      StatusActive,
		LastSeenRun: runID,
		CreatedAt:   fromNanos(toNanos(now)),
		UpdatedAt:   fromNanos(toNanos(now)),
	}

	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO job_records (identifier, source, title, company, location, title_key, company_key,
			description, payload, content_hash, status, last_seen_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), in.Identifier, in.Source, in.Title, in.Company, in.Location, MatchKey(in.Title), MatchKey(in.Company),
		in.Description, payloadText(in.Payload), in.ContentHash, string(StatusActive), runID,
		toNanos(now), toNanos(now)).Scan(&rec.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create record %q", in.Identifier)
	}

	return &rec, nil
}

func (r *RecordStore) Update(ctx context.Context, id int64, in RecordInput, runID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE job_records
		SET identifier = ?, source = ?, title = ?, company = ?, location = ?, title_key = ?, company_key = ?,
			description = ?, payload = ?, content_hash = ?, status = ?, status_reason = '',
			last_seen_run = ?, updated_at = ?
		WHERE id = ?
	`), in.Identifier, in.Source, in.Title, in.Company, in.Location, MatchKey(in.Title), MatchKey(in.Company),
		in.Description, payloadText(in.Payload), in.ContentHash, string(StatusActive),
		runID, toNanos(r.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update record %d", id)
	}
	return expectRow(res, id)
}

// Touch marks records as seen by runID without changing their content or modification time.
// Stale records come back to life.
func (r *RecordStore) Touch(ctx context.Context, ids []int64, runID string) error {
	if len(ids) == 0 {
		return nil
	}

	args := []interface{}{runID, string(StatusStale), string(StatusActive), string(StatusStale)}
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE job_records
		SET last_seen_run = ?,
			status_reason = CASE WHEN status = ? THEN '' ELSE status_reason END,
			status = CASE WHEN status = ? OR status = ? THEN 'active' ELSE status END
		WHERE id IN (`+placeholders(len(ids))+`)
	`), args...)
	if err != nil {
		return errors.Wrapf(err, "failed to touch %d records", len(ids))
	}
	return nil
}

func (r *RecordStore) Demote(ctx context.Context, id int64, reason string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE job_records SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?
	`), string(StatusDemoted), reason, toNanos(r.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to demote record %d", id)
	}
	return expectRow(res, id)
}

// MarkStale flags active records not seen by runID. Records from excluded sources are left alone.
func (r *RecordStore) MarkStale(ctx context.Context, runID string, excludeSources []string) (int64, error) {
	args := []interface{}{string(StatusStale), "not present in run " + runID, toNanos(r.now()),
		string(StatusActive), runID}
	query := `UPDATE job_records SET status = ?, status_reason = ?, updated_at = ?
		WHERE status = ? AND last_seen_run <> ?`
	if len(excludeSources) > 0 {
		query += ` AND source NOT IN (` + placeholders(len(excludeSources)) + `)`
		for _, s := range excludeSources {
			args = append(args, s)
		}
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark stale records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count stale records")
	}
	return n, nil
}

func (r *RecordStore) CountByStatus(ctx context.Context) (map[RecordStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_records GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count records")
	}
	defer rows.Close()

	counts := make(map[RecordStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan record count")
		}
		counts[RecordStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListActive returns the most recently modified active records.
func (r *RecordStore) ListActive(ctx context.Context, limit int) ([]StoreRecord, error) {
	records, err := r.query(ctx, `SELECT `+recordColumns+` FROM job_records
		WHERE status = ? ORDER BY updated_at DESC, id DESC LIMIT ?`, string(StatusActive), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active records")
	}
	return records, nil
}

func (r *RecordStore) query(ctx context.Context, query string, args ...interface{}) ([]StoreRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StoreRecord
	for rows.Next() {
		var (
			rec                  StoreRecord
			payload, status      string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Identifier, &rec.Source, &rec.Title, &rec.Company, &rec.Location,
			&rec.Description, &payload, &rec.ContentHash, &status, &rec.StatusReason, &rec.LastSeenRun,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.Status = RecordStatus(status)
		rec.CreatedAt = fromNanos(createdAt)
		rec.UpdatedAt = fromNanos(updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func matchKeys(values []string) []interface{} {
	seen := make(map[string]bool, len(values))
	keys := make([]interface{}, 0, len(values))
	for _, v := range values {
		k := MatchKey(v)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Newf("record %d not found", id)
	}
	return nil
}

var _ RecordRepository = (*RecordStore)(nil)

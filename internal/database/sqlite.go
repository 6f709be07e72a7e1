package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leca/imagevault/internal/model"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const tenantColumns = `id, name, domain, api_key, secret_hash, plan,
	max_file_size, max_images_per_month, max_storage_bytes,
	total_images, total_storage_used, monthly_uploads, last_reset_date,
	settings, active, created_at, updated_at`

const assetColumns = `id, tenant_id, original_name, filename, mime_type, size,
	width, height, has_alpha, format, category, tags, alt, title,
	entity_id, entity_type, product_id, is_public, variants,
	access_count, last_accessed_at, deleted, deleted_at, purged_at,
	created_at, updated_at`

// SQLiteDB implements Database backed by SQLite.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) an SQLite database at dsn and runs migrations.
// For in-memory use pass "file::memory:?cache=shared".
func NewSQLiteDB(dsn string) (*SQLiteDB, error) {
	if !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

func (s *SQLiteDB) CreateTenant(ctx context.Context, t *model.Tenant) error {
	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Domain, t.APIKey, t.SecretHash, string(t.Plan),
		t.Limits.MaxFileSize, t.Limits.MaxImagesPerMonth, t.Limits.MaxStorageBytes,
		t.Usage.TotalImages, t.Usage.TotalStorageUsed, t.Usage.MonthlyUploads,
		formatTime(t.Usage.LastResetDate), string(settingsJSON), boolToInt(t.Active),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert tenant: %w", ErrConflict)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}

	if err := insertSessions(ctx, tx, t.ID, t.Sessions); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	return s.getTenant(ctx, "id", id)
}

func (s *SQLiteDB) GetTenantByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	return s.getTenant(ctx, "api_key", apiKey)
}

func (s *SQLiteDB) getTenant(ctx context.Context, column, value string) (*model.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE `+column+` = ?`, value)
	t, err := scanTenant(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expires_at FROM tenant_sessions
		WHERE tenant_id = ? ORDER BY expires_at ASC`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sess model.Session
		var expires string
		if err := rows.Scan(&sess.ID, &expires); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ExpiresAt = parseTime(expires)
		t.Sessions = append(t.Sessions, sess)
	}
	return t, rows.Err()
}

func (s *SQLiteDB) UpdateTenantSettings(ctx context.Context, id string, settings model.Settings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET settings = ?, updated_at = ? WHERE id = ?`,
		string(settingsJSON), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update tenant settings: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteDB) UpdateTenantLimits(ctx context.Context, id string, plan model.Plan, limits model.Limits) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET plan = ?, max_file_size = ?, max_images_per_month = ?, max_storage_bytes = ?, updated_at = ?
		WHERE id = ?`,
		string(plan), limits.MaxFileSize, limits.MaxImagesPerMonth, limits.MaxStorageBytes,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update tenant limits: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteDB) SetTenantActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update tenant active: %w", err)
	}
	return checkRowsAffected(res)
}

// SaveSessions replaces the tenant's session list.
func (s *SQLiteDB) SaveSessions(ctx context.Context, tenantID string, sessions []model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_sessions WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if err := insertSessions(ctx, tx, tenantID, sessions); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSessions(ctx context.Context, tx *sql.Tx, tenantID string, sessions []model.Session) error {
	for _, sess := range sessions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tenant_sessions (tenant_id, id, expires_at) VALUES (?, ?, ?)`,
			tenantID, sess.ID, formatTime(sess.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ledger counters
// ---------------------------------------------------------------------------

// ResetMonthlyUsage zeroes the monthly counter if last_reset_date still equals
// prev. It reports whether this call performed the reset, so concurrent
// callers reset at most once.
func (s *SQLiteDB) ResetMonthlyUsage(ctx context.Context, tenantID string, prev, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET monthly_uploads = 0, last_reset_date = ?, updated_at = ?
		WHERE id = ? AND last_reset_date = ?`,
		formatTime(now), formatTime(now), tenantID, formatTime(prev))
	if err != nil {
		return false, fmt.Errorf("reset monthly usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteDB) IncrementUsage(ctx context.Context, tenantID string, size int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET
			total_images = total_images + 1,
			total_storage_used = total_storage_used + ?,
			monthly_uploads = monthly_uploads + 1,
			updated_at = ?
		WHERE id = ?`,
		size, formatTime(time.Now()), tenantID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return checkRowsAffected(res)
}

// ---------------------------------------------------------------------------
// Assets
// ---------------------------------------------------------------------------

func (s *SQLiteDB) CreateAsset(ctx context.Context, a *model.Asset) error {
	tagsJSON, variantsJSON, err := marshalAssetJSON(a)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.OriginalName, a.Filename, a.MimeType, a.Size,
		a.Width, a.Height, boolToInt(a.HasAlpha), a.Format, a.Category, tagsJSON, a.Alt, a.Title,
		a.EntityID, a.EntityType, a.ProductID, boolToInt(a.IsPublic), variantsJSON,
		a.AccessCount, nullTime(a.LastAccessedAt), boolToInt(a.Deleted), nullTime(a.DeletedAt), nullTime(a.PurgedAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert asset: %w", ErrConflict)
		}
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// GetAsset returns a non-deleted asset by id.
func (s *SQLiteDB) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ? AND deleted = 0`, id)
	return scanAsset(row)
}

func (s *SQLiteDB) ListAssets(ctx context.Context, tenantID string, f AssetFilter) ([]*model.Asset, int, error) {
	where := `tenant_id = ? AND deleted = 0`
	args := []any{tenantID}
	if f.Category != "" {
		where += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Tag != "" {
		where += ` AND EXISTS (SELECT 1 FROM json_each(assets.tags) WHERE json_each.value = ?)`
		args = append(args, f.Tag)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count assets: %w", err)
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets, err := scanAssets(rows)
	if err != nil {
		return nil, 0, err
	}
	return assets, total, nil
}

// UpdateAssetMetadata persists classification and visibility fields.
func (s *SQLiteDB) UpdateAssetMetadata(ctx context.Context, a *model.Asset) error {
	tagsJSON, err := json.Marshal(nonNilTags(a.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET category = ?, tags = ?, alt = ?, title = ?,
			entity_id = ?, entity_type = ?, product_id = ?, is_public = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND deleted = 0`,
		a.Category, string(tagsJSON), a.Alt, a.Title,
		a.EntityID, a.EntityType, a.ProductID, boolToInt(a.IsPublic), formatTime(a.UpdatedAt),
		a.ID, a.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update asset metadata: %w", err)
	}
	return checkRowsAffected(res)
}

// ReplaceAsset archives prev and swaps in the new bytes' description in one
// transaction. The asset id is unchanged.
func (s *SQLiteDB) ReplaceAsset(ctx context.Context, a *model.Asset, prev model.AssetVersion) error {
	_, variantsJSON, err := marshalAssetJSON(a)
	if err != nil {
		return err
	}
	prevVariants, err := json.Marshal(prev.Variants)
	if err != nil {
		return fmt.Errorf("marshal version variants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE assets SET original_name = ?, filename = ?, mime_type = ?, size = ?,
			width = ?, height = ?, has_alpha = ?, format = ?, variants = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND deleted = 0`,
		a.OriginalName, a.Filename, a.MimeType, a.Size,
		a.Width, a.Height, boolToInt(a.HasAlpha), a.Format, variantsJSON, formatTime(a.UpdatedAt),
		a.ID, a.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO asset_versions (asset_id, seq, filename, handle, variants, archived_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM asset_versions WHERE asset_id = ?), ?, ?, ?, ?)`,
		a.ID, a.ID, prev.Filename, prev.Handle, string(prevVariants), formatTime(prev.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert asset version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteDB) SoftDeleteAsset(ctx context.Context, tenantID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND deleted = 0`,
		formatTime(at), formatTime(at), id, tenantID)
	if err != nil {
		return fmt.Errorf("soft delete asset: %w", err)
	}
	return checkRowsAffected(res)
}

// RecordAccess bumps the access counter in a single statement.
func (s *SQLiteDB) RecordAccess(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ? AND deleted = 0`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteDB) ListVersions(ctx context.Context, assetID string) ([]model.AssetVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, handle, variants, archived_at
		FROM asset_versions WHERE asset_id = ?
		ORDER BY seq ASC`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []model.AssetVersion
	for rows.Next() {
		var v model.AssetVersion
		var variantsStr, archived string
		if err := rows.Scan(&v.Filename, &v.Handle, &variantsStr, &archived); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := json.Unmarshal([]byte(variantsStr), &v.Variants); err != nil {
			return nil, fmt.Errorf("unmarshal version variants: %w", err)
		}
		v.ArchivedAt = parseTime(archived)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ---------------------------------------------------------------------------
// Purge
// ---------------------------------------------------------------------------

// ListPurgeable returns soft-deleted, not yet purged assets deleted at or
// before deletedBefore, oldest first, with their version history loaded.
func (s *SQLiteDB) ListPurgeable(ctx context.Context, deletedBefore time.Time, limit int) ([]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE deleted = 1 AND purged_at IS NULL AND deleted_at <= ?
		ORDER BY deleted_at ASC
		LIMIT ?`,
		formatTime(deletedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list purgeable: %w", err)
	}
	assets, err := scanAssets(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, a := range assets {
		if a.Versions, err = s.ListVersions(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return assets, nil
}

func (s *SQLiteDB) MarkPurged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET purged_at = ? WHERE id = ? AND deleted = 1`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	return checkRowsAffected(res)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type scannable interface {
	Scan(dest ...any) error
}

func scanTenant(row scannable) (*model.Tenant, error) {
	t := &model.Tenant{}
	var plan, lastReset, settingsStr, created, updated string
	var active int

	err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.APIKey, &t.SecretHash, &plan,
		&t.Limits.MaxFileSize, &t.Limits.MaxImagesPerMonth, &t.Limits.MaxStorageBytes,
		&t.Usage.TotalImages, &t.Usage.TotalStorageUsed, &t.Usage.MonthlyUploads, &lastReset,
		&settingsStr, &active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.Plan = model.Plan(plan)
	t.Usage.LastResetDate = parseTime(lastReset)
	t.Active = active != 0
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(settingsStr), &t.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal tenant settings: %w", err)
	}
	return t, nil
}

func scanAsset(row scannable) (*model.Asset, error) {
	a := &model.Asset{}
	var tagsStr, variantsStr, created, updated string
	var hasAlpha, isPublic, deleted int
	var lastAccessed, deletedAt, purgedAt sql.NullString

	err := row.Scan(&a.ID, &a.TenantID, &a.OriginalName, &a.Filename, &a.MimeType, &a.Size,
		&a.Width, &a.Height, &hasAlpha, &a.Format, &a.Category, &tagsStr, &a.Alt, &a.Title,
		&a.EntityID, &a.EntityType, &a.ProductID, &isPublic, &variantsStr,
		&a.AccessCount, &lastAccessed, &deleted, &deletedAt, &purgedAt,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}

	a.HasAlpha = hasAlpha != 0
	a.IsPublic = isPublic != 0
	a.Deleted = deleted != 0
	a.LastAccessedAt = parseNullTime(lastAccessed)
	a.DeletedAt = parseNullTime(deletedAt)
	a.PurgedAt = parseNullTime(purgedAt)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(tagsStr), &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal asset tags: %w", err)
	}
	if err := json.Unmarshal([]byte(variantsStr), &a.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal asset variants: %w", err)
	}
	return a, nil
}

func scanAssets(rows *sql.Rows) ([]*model.Asset, error) {
	var assets []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func marshalAssetJSON(a *model.Asset) (string, string, error) {
	tags, err := json.Marshal(nonNilTags(a.Tags))
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}
	variants := a.Variants
	if variants == nil {
		variants = model.VariantManifest{}
	}
	v, err := json.Marshal(variants)
	if err != nil {
		return "", "", fmt.Errorf("marshal variants: %w", err)
	}
	return string(tags), string(v), nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

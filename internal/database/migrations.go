package database

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    domain TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL UNIQUE,
    secret_hash TEXT NOT NULL,
    plan TEXT NOT NULL DEFAULT 'free',
    max_file_size INTEGER NOT NULL,
    max_images_per_month INTEGER NOT NULL,
    max_storage_bytes INTEGER NOT NULL,
    total_images INTEGER NOT NULL DEFAULT 0,
    total_storage_used INTEGER NOT NULL DEFAULT 0,
    monthly_uploads INTEGER NOT NULL DEFAULT 0,
    last_reset_date TEXT NOT NULL,
    settings TEXT NOT NULL DEFAULT '{}',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_sessions (
    tenant_id TEXT NOT NULL REFERENCES tenants(id),
    id TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(id),
    original_name TEXT NOT NULL,
    filename TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    size INTEGER NOT NULL,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    has_alpha INTEGER NOT NULL DEFAULT 0,
    format TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'uncategorized',
    tags TEXT NOT NULL DEFAULT '[]',
    alt TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    entity_id TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL DEFAULT '',
    product_id TEXT NOT NULL DEFAULT '',
    is_public INTEGER NOT NULL DEFAULT 0,
    variants TEXT NOT NULL DEFAULT '{}',
    access_count INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    deleted_at TEXT,
    purged_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_versions (
    asset_id TEXT NOT NULL REFERENCES assets(id),
    seq INTEGER NOT NULL,
    filename TEXT NOT NULL,
    handle TEXT NOT NULL,
    variants TEXT NOT NULL DEFAULT '{}',
    archived_at TEXT NOT NULL,
    PRIMARY KEY (asset_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_assets_tenant_created ON assets (tenant_id, deleted, created_at);
CREATE INDEX IF NOT EXISTS idx_assets_purge ON assets (deleted, purged_at, deleted_at);
`

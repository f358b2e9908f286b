// Package items is the single writer for per-item state transitions.
// Stage Handlers request scoped updates through this package only; the
// Phase Planner consults it read-only.
package items

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrVersionConflict is returned by Update when expectedVersion is stale.
var ErrVersionConflict = errors.New("ItemVersionConflict")

// ErrNotFound is returned when an item_id does not exist.
var ErrNotFound = errors.New("not found")

// Item is one content unit the pipeline processes.
type Item struct {
	ItemID      string `json:"item_id"`
	RawPayload  string `json:"raw_payload"`
	Cached      bool   `json:"cached"`
	MediaDone   bool   `json:"media_done"`
	Categorized bool   `json:"categorized"`
	Generated   bool   `json:"generated"`
	DBSynced    bool   `json:"db_synced"`
	Embedded    bool   `json:"embedded"`

	MainCategory string `json:"main_category,omitempty"`
	SubCategory  string `json:"sub_category,omitempty"`
	ShortName    string `json:"short_name,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`

	// MediaDescriptors and ArtifactPaths are stored as opaque JSON blobs;
	// absolute resolution against project.root happens at read time,
	// outside this package.
	MediaDescriptors string `json:"media_descriptors,omitempty"`
	ArtifactPaths    string `json:"artifact_paths,omitempty"` // JSON array of project-root-relative paths

	Version int `json:"version"`
}

// Complete reports whether every flag required by mode is true.
func (it Item) Complete(requiredFlags ...func(Item) bool) bool {
	for _, f := range requiredFlags {
		if !f(it) {
			return false
		}
	}
	return true
}

// Patch is a sparse set of field updates applied by Update. Pointer fields
// left nil are not modified. The JSON shape is shared with the WASM stage
// handler wire contract, so a guest omits fields it does not touch.
type Patch struct {
	Cached      *bool `json:"cached,omitempty"`
	MediaDone   *bool `json:"media_done,omitempty"`
	Categorized *bool `json:"categorized,omitempty"`
	Generated   *bool `json:"generated,omitempty"`
	DBSynced    *bool `json:"db_synced,omitempty"`
	Embedded    *bool `json:"embedded,omitempty"`

	MainCategory     *string `json:"main_category,omitempty"`
	SubCategory      *string `json:"sub_category,omitempty"`
	ShortName        *string `json:"short_name,omitempty"`
	ContentHash      *string `json:"content_hash,omitempty"`
	MediaDescriptors *string `json:"media_descriptors,omitempty"`
	ArtifactPaths    *string `json:"artifact_paths,omitempty"`
}

// Repository is the SQLite-backed Item Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite-backed item repository.
// It shares no connection pool with the Task Store; each component owns
// its own file, though operators may point both at the same
// database file.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Repository{db: db}
	if err := r.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) initSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		PRAGMA journal_mode=WAL;
		CREATE TABLE IF NOT EXISTS items (
			item_id TEXT PRIMARY KEY,
			raw_payload TEXT NOT NULL DEFAULT '',
			cached INTEGER NOT NULL DEFAULT 0,
			media_done INTEGER NOT NULL DEFAULT 0,
			categorized INTEGER NOT NULL DEFAULT 0,
			generated INTEGER NOT NULL DEFAULT 0,
			db_synced INTEGER NOT NULL DEFAULT 0,
			embedded INTEGER NOT NULL DEFAULT 0,
			main_category TEXT,
			sub_category TEXT,
			short_name TEXT,
			content_hash TEXT,
			media_descriptors TEXT,
			artifact_paths TEXT,
			version INTEGER NOT NULL DEFAULT 1
		);
	`)
	return err
}

// Get returns the item with item_id, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, itemID string) (*Item, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT item_id, raw_payload, cached, media_done, categorized, generated, db_synced, embedded,
			COALESCE(main_category,''), COALESCE(sub_category,''), COALESCE(short_name,''), COALESCE(content_hash,''),
			COALESCE(media_descriptors,''), COALESCE(artifact_paths,''), version
		FROM items WHERE item_id = ?;
	`, itemID)
	return scanItem(row)
}

func scanItem(row *sql.Row) (*Item, error) {
	var it Item
	var cached, mediaDone, categorized, generated, dbSynced, embedded int
	if err := row.Scan(&it.ItemID, &it.RawPayload, &cached, &mediaDone, &categorized, &generated, &dbSynced, &embedded,
		&it.MainCategory, &it.SubCategory, &it.ShortName, &it.ContentHash,
		&it.MediaDescriptors, &it.ArtifactPaths, &it.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	it.Cached = cached == 1
	it.MediaDone = mediaDone == 1
	it.Categorized = categorized == 1
	it.Generated = generated == 1
	it.DBSynced = dbSynced == 1
	it.Embedded = embedded == 1
	return &it, nil
}

// Predicate filters items during ListByFilter.
type Predicate func(Item) bool

// ListByFilter returns all items matching pred, in deterministic
// lexicographic item_id order, as required for reproducible Planner output.
func (r *Repository) ListByFilter(ctx context.Context, pred Predicate) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, raw_payload, cached, media_done, categorized, generated, db_synced, embedded,
			COALESCE(main_category,''), COALESCE(sub_category,''), COALESCE(short_name,''), COALESCE(content_hash,''),
			COALESCE(media_descriptors,''), COALESCE(artifact_paths,''), version
		FROM items ORDER BY item_id ASC;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var cached, mediaDone, categorized, generated, dbSynced, embedded int
		if err := rows.Scan(&it.ItemID, &it.RawPayload, &cached, &mediaDone, &categorized, &generated, &dbSynced, &embedded,
			&it.MainCategory, &it.SubCategory, &it.ShortName, &it.ContentHash,
			&it.MediaDescriptors, &it.ArtifactPaths, &it.Version); err != nil {
			return nil, err
		}
		it.Cached = cached == 1
		it.MediaDone = mediaDone == 1
		it.Categorized = categorized == 1
		it.Generated = generated == 1
		it.DBSynced = dbSynced == 1
		it.Embedded = embedded == 1
		if pred == nil || pred(it) {
			out = append(out, it)
		}
	}
	return out, rows.Err()
}

// AddItems inserts a batch of newly-discovered items, ignoring
// any item_id already present.
func (r *Repository) AddItems(ctx context.Context, batch []Item) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (item_id, raw_payload, version) VALUES (?, ?, 1)
		ON CONFLICT(item_id) DO NOTHING;
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range batch {
		if _, err := stmt.ExecContext(ctx, it.ItemID, it.RawPayload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Update applies patch to item_id under optimistic concurrency: the write
// only succeeds if the row's current version equals expectedVersion.
func (r *Repository) Update(ctx context.Context, itemID string, patch Patch, expectedVersion int) (*Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT item_id, raw_payload, cached, media_done, categorized, generated, db_synced, embedded,
			COALESCE(main_category,''), COALESCE(sub_category,''), COALESCE(short_name,''), COALESCE(content_hash,''),
			COALESCE(media_descriptors,''), COALESCE(artifact_paths,''), version
		FROM items WHERE item_id = ?;
	`, itemID)
	it, err := scanItem(row)
	if err != nil {
		return nil, err
	}
	if it.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	applyPatch(it, patch)
	it.Version++

	res, err := tx.ExecContext(ctx, `
		UPDATE items SET raw_payload = ?, cached = ?, media_done = ?, categorized = ?, generated = ?,
			db_synced = ?, embedded = ?, main_category = ?, sub_category = ?, short_name = ?,
			content_hash = ?, media_descriptors = ?, artifact_paths = ?, version = ?
		WHERE item_id = ? AND version = ?;
	`, it.RawPayload, boolToInt(it.Cached), boolToInt(it.MediaDone), boolToInt(it.Categorized),
		boolToInt(it.Generated), boolToInt(it.DBSynced), boolToInt(it.Embedded),
		it.MainCategory, it.SubCategory, it.ShortName, it.ContentHash, it.MediaDescriptors, it.ArtifactPaths,
		it.Version, itemID, expectedVersion)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return it, nil
}

func applyPatch(it *Item, p Patch) {
	if p.Cached != nil {
		it.Cached = *p.Cached
	}
	if p.MediaDone != nil {
		it.MediaDone = *p.MediaDone
	}
	if p.Categorized != nil {
		it.Categorized = *p.Categorized
	}
	if p.Generated != nil {
		it.Generated = *p.Generated
	}
	if p.DBSynced != nil {
		it.DBSynced = *p.DBSynced
	}
	if p.Embedded != nil {
		it.Embedded = *p.Embedded
	}
	if p.MainCategory != nil {
		it.MainCategory = *p.MainCategory
	}
	if p.SubCategory != nil {
		it.SubCategory = *p.SubCategory
	}
	if p.ShortName != nil {
		it.ShortName = *p.ShortName
	}
	if p.ContentHash != nil {
		it.ContentHash = *p.ContentHash
	}
	if p.MediaDescriptors != nil {
		it.MediaDescriptors = *p.MediaDescriptors
	}
	if p.ArtifactPaths != nil {
		it.ArtifactPaths = *p.ArtifactPaths
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ResolveArtifactPath joins a project-root-relative artifact path stored on
// an Item with projectRoot, since items store paths project-root-relative and resolution
// happens at read time.
func ResolveArtifactPath(projectRoot, relativePath string) string {
	if projectRoot == "" {
		projectRoot = "."
	}
	return projectRoot + "/" + relativePath
}

// UnmarshalArtifactPaths decodes the JSON array stored in Item.ArtifactPaths.
func UnmarshalArtifactPaths(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Package metadata implements the MetadataStore: a SQLite-backed relational
// store of files, archives, and path mappings, with an FTS5 index over
// virtual paths and original names, per spec §4.2.
//
// Grounded on the teacher's (go-storage) idiom of "idempotent on sha256":
// store.CAS.Put treats a re-store of identical bytes as a no-op; InsertFile
// applies the same idea at the row level via INSERT ... ON CONFLICT DO
// NOTHING followed by a SELECT of the existing row.
package metadata

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/zynqcloud/archivecas/internal/errs"
)

// Status is an ArchiveRecord's lifecycle state, per spec §3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Format is the archive codec family, per spec §3.
type Format string

const (
	FormatZip    Format = "zip"
	FormatRar    Format = "rar"
	FormatTar    Format = "tar"
	FormatGz     Format = "gz"
	FormatTgz    Format = "tgz"
	FormatSevenZ Format = "sevenz"
)

// FileRecord mirrors spec §3's FileRecord.
type FileRecord struct {
	ID              int64
	SHA256          string
	VirtualPath     string
	OriginalName    string
	Size            int64
	MIME            string
	ParentArchiveID sql.NullInt64
	Depth           int
	CreatedAt       time.Time
}

// ArchiveRecord mirrors spec §3's ArchiveRecord.
type ArchiveRecord struct {
	ID              int64
	SHA256          string
	VirtualPath     string
	OriginalName    string
	Format          Format
	ParentArchiveID sql.NullInt64
	Depth           int
	Status          Status
	CreatedAt       time.Time
}

// Store is a MetadataStore for one workspace.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsnPath and applies
// the schema. Durability per spec §4.2: WAL journal, synchronous=NORMAL,
// pool size >= 10, ~8 MiB page cache. dsnPath may be a bare filesystem path
// or an already-qualified "file:...?..." DSN (e.g. a test's
// "file:name?mode=memory&cache=shared"); buildDSN merges the durability
// pragmas into either form without double-prefixing.
func Open(ctx context.Context, dsnPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", buildDSN(dsnPath))
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "metadata: open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA cache_size = -8000"); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindDatabase, "metadata: set cache_size", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// durabilityPragmas are appended to every DSN this package opens, per spec
// §4.2's WAL/synchronous/busy-timeout/foreign-key requirements.
const durabilityPragmas = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"

// buildDSN normalizes dsnPath to a "file:" DSN carrying durabilityPragmas,
// merging into an existing query string rather than appending a second "?"
// when the caller already passed one (e.g. an in-memory test DSN).
func buildDSN(dsnPath string) string {
	if !strings.HasPrefix(dsnPath, "file:") {
		dsnPath = "file:" + dsnPath
	}
	if strings.Contains(dsnPath, "?") {
		return dsnPath + "&" + durabilityPragmas
	}
	return dsnPath + "?" + durabilityPragmas
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archives (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sha256 TEXT NOT NULL UNIQUE,
			virtual_path TEXT NOT NULL,
			original_name TEXT NOT NULL,
			format TEXT NOT NULL,
			parent_archive_id INTEGER REFERENCES archives(id),
			depth INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archives_virtual_path ON archives(virtual_path)`,
		`CREATE INDEX IF NOT EXISTS idx_archives_parent ON archives(parent_archive_id)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sha256 TEXT NOT NULL UNIQUE,
			virtual_path TEXT NOT NULL,
			original_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime TEXT,
			parent_archive_id INTEGER REFERENCES archives(id),
			depth INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_virtual_path ON files(virtual_path)`,
		`CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_archive_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
			virtual_path, original_name, content='files', content_rowid='id', tokenize='trigram'
		)`,
		`CREATE TRIGGER IF NOT EXISTS files_ai AFTER INSERT ON files BEGIN
			INSERT INTO files_fts(rowid, virtual_path, original_name) VALUES (new.id, new.virtual_path, new.original_name);
		END`,
		`CREATE TRIGGER IF NOT EXISTS files_ad AFTER DELETE ON files BEGIN
			INSERT INTO files_fts(files_fts, rowid, virtual_path, original_name) VALUES ('delete', old.id, old.virtual_path, old.original_name);
		END`,
		`CREATE TABLE IF NOT EXISTS path_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			short_path TEXT NOT NULL,
			original_path TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(workspace_id, short_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_path_mappings_original ON path_mappings(workspace_id, original_path)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.KindDatabase, "metadata: migrate", err).WithContext("stmt", stmt)
		}
	}
	return nil
}

// InsertFile inserts a FileRecord, or returns the existing id on a sha256
// conflict without overwriting it and without adding a second virtual-path
// row — the deduplication pivot described in spec §3/§4.2.
func (s *Store) InsertFile(ctx context.Context, f FileRecord) (id int64, inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO files (sha256, virtual_path, original_name, size, mime, parent_archive_id, depth, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO NOTHING`,
		f.SHA256, f.VirtualPath, f.OriginalName, f.Size, nullableString(f.MIME), f.ParentArchiveID, f.Depth, now())
	if err != nil {
		return 0, false, errs.Wrap(errs.KindDatabase, "metadata: insert file", err).WithContext("sha256", f.SHA256)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, _ = res.LastInsertId()
		return id, true, nil
	}
	existing, err := s.GetFileByHash(ctx, f.SHA256)
	if err != nil {
		return 0, false, err
	}
	return existing.ID, false, nil
}

// InsertArchive creates an ArchiveRecord with status=pending, per spec
// §4.6 step 2.
func (s *Store) InsertArchive(ctx context.Context, a ArchiveRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO archives (sha256, virtual_path, original_name, format, parent_archive_id, depth, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO NOTHING`,
		a.SHA256, a.VirtualPath, a.OriginalName, string(a.Format), a.ParentArchiveID, a.Depth, string(StatusPending), now())
	if err != nil {
		return 0, errs.Wrap(errs.KindDatabase, "metadata: insert archive", err).WithContext("sha256", a.SHA256)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, _ := res.LastInsertId()
		return id, nil
	}
	existing, err := s.GetArchiveByHash(ctx, a.SHA256)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// statusTransitions is the allowed-edges table enforcing spec §8 invariant 8
// ("status sequence is a prefix of pending → extracting → completed|failed;
// no backwards transitions").
var statusTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusExtracting: true, StatusFailed: true},
	StatusExtracting: {StatusCompleted: true, StatusFailed: true},
}

// UpdateArchiveStatus reads an archive's current status and then updates it
// in a second statement, rejecting any transition not on the allowed-edges
// table. The read and the update are not wrapped in one transaction.
func (s *Store) UpdateArchiveStatus(ctx context.Context, id int64, newStatus Status) error {
	current, err := s.getArchiveStatus(ctx, id)
	if err != nil {
		return err
	}
	if current == newStatus {
		return nil // idempotent no-op, safe for checkpoint-resume replays
	}
	if !statusTransitions[current][newStatus] {
		return errs.New(errs.KindDatabase, "metadata: illegal archive status transition").
			WithContext("archive_id", id, "from", current, "to", newStatus)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE archives SET status = ? WHERE id = ?`, string(newStatus), id)
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "metadata: update archive status", err)
	}
	return nil
}

func (s *Store) getArchiveStatus(ctx context.Context, id int64) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM archives WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", errs.Wrap(errs.KindDatabase, "metadata: get archive status", err)
	}
	return Status(status), nil
}

// GetFileByVirtualPath looks up a FileRecord by its exact virtual path.
func (s *Store) GetFileByVirtualPath(ctx context.Context, vpath string) (FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, size, COALESCE(mime,''), parent_archive_id, depth, created_at
		FROM files WHERE virtual_path = ?`, vpath)
	return scanFile(row)
}

// GetFileByHash looks up a FileRecord by its content hash.
func (s *Store) GetFileByHash(ctx context.Context, sha256hex string) (FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, size, COALESCE(mime,''), parent_archive_id, depth, created_at
		FROM files WHERE sha256 = ?`, sha256hex)
	f, ok, err := scanFile(row)
	if err != nil {
		return FileRecord{}, err
	}
	if !ok {
		return FileRecord{}, errs.New(errs.KindDatabase, "metadata: file not found").WithContext("sha256", sha256hex)
	}
	return f, nil
}

// GetArchiveByHash looks up an ArchiveRecord by its content hash.
func (s *Store) GetArchiveByHash(ctx context.Context, sha256hex string) (ArchiveRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, format, parent_archive_id, depth, status, created_at
		FROM archives WHERE sha256 = ?`, sha256hex)
	a, ok, err := scanArchive(row)
	if err != nil {
		return ArchiveRecord{}, err
	}
	if !ok {
		return ArchiveRecord{}, errs.New(errs.KindDatabase, "metadata: archive not found").WithContext("sha256", sha256hex)
	}
	return a, nil
}

// GetArchiveChildren returns the direct file and archive children of a
// given archive id, used by VirtualTreeAPI's single-pass tree assembly.
func (s *Store) GetArchiveChildren(ctx context.Context, archiveID int64) ([]FileRecord, []ArchiveRecord, error) {
	frows, err := s.db.QueryContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, size, COALESCE(mime,''), parent_archive_id, depth, created_at
		FROM files WHERE parent_archive_id = ? ORDER BY virtual_path`, archiveID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindDatabase, "metadata: get archive file children", err)
	}
	defer frows.Close()

	var files []FileRecord
	for frows.Next() {
		f, err := scanFileRow(frows)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}

	arows, err := s.db.QueryContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, format, parent_archive_id, depth, status, created_at
		FROM archives WHERE parent_archive_id = ? ORDER BY virtual_path`, archiveID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindDatabase, "metadata: get archive children", err)
	}
	defer arows.Close()

	var archives []ArchiveRecord
	for arows.Next() {
		a, err := scanArchiveRow(arows)
		if err != nil {
			return nil, nil, err
		}
		archives = append(archives, a)
	}
	return files, archives, nil
}

// GetRootFiles and GetRootArchives return the top-level entries of a
// workspace (parent_archive_id IS NULL), i.e. files/archives imported
// outside any archive, per spec §3's FileRecord invariant.
func (s *Store) GetRootFiles(ctx context.Context) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, size, COALESCE(mime,''), parent_archive_id, depth, created_at
		FROM files WHERE parent_archive_id IS NULL ORDER BY virtual_path`)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "metadata: get root files", err)
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) GetRootArchives(ctx context.Context) ([]ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sha256, virtual_path, original_name, format, parent_archive_id, depth, status, created_at
		FROM archives WHERE parent_archive_id IS NULL ORDER BY virtual_path`)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "metadata: get root archives", err)
	}
	defer rows.Close()
	var out []ArchiveRecord
	for rows.Next() {
		a, err := scanArchiveRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SearchFiles runs an FTS5 prefix query over virtual_path/original_name.
func (s *Store) SearchFiles(ctx context.Context, query string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.sha256, f.virtual_path, f.original_name, f.size, COALESCE(f.mime,''), f.parent_archive_id, f.depth, f.created_at
		FROM files_fts
		JOIN files f ON f.id = files_fts.rowid
		WHERE files_fts MATCH ?
		ORDER BY rank`, query)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "metadata: search files", err).WithContext("query", query)
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Counters bundles the aggregate counts from spec §4.2.
type Counters struct {
	FileCount    int64
	ArchiveCount int64
	TotalSize    int64
	MaxDepth     int
}

// Counters computes the workspace-wide aggregate counters in one round trip.
func (s *Store) Counters(ctx context.Context) (Counters, error) {
	var c Counters
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size),0), COALESCE(MAX(depth),0) FROM files`).
		Scan(&c.FileCount, &c.TotalSize, &c.MaxDepth)
	if err != nil {
		return Counters{}, errs.Wrap(errs.KindDatabase, "metadata: counters (files)", err)
	}
	var archiveMaxDepth int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(depth),0) FROM archives`).
		Scan(&c.ArchiveCount, &archiveMaxDepth)
	if err != nil {
		return Counters{}, errs.Wrap(errs.KindDatabase, "metadata: counters (archives)", err)
	}
	if archiveMaxDepth > c.MaxDepth {
		c.MaxDepth = archiveMaxDepth
	}
	return c, nil
}

// InsertPathMapping implements pathmgr.Store.
func (s *Store) InsertPathMapping(workspaceID, shortPath, originalPath string) error {
	_, err := s.db.Exec(`
		INSERT INTO path_mappings (workspace_id, short_path, original_path, created_at, access_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(workspace_id, short_path) DO NOTHING`,
		workspaceID, shortPath, originalPath, now())
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "metadata: insert path mapping", err)
	}
	return nil
}

// ResolveShortPath implements pathmgr.Store.
func (s *Store) ResolveShortPath(workspaceID, shortPath string) (string, bool, error) {
	var original string
	err := s.db.QueryRow(`SELECT original_path FROM path_mappings WHERE workspace_id = ? AND short_path = ?`,
		workspaceID, shortPath).Scan(&original)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.KindDatabase, "metadata: resolve short path", err)
	}
	return original, true, nil
}

// ResolveOriginalPath implements pathmgr.Store.
func (s *Store) ResolveOriginalPath(workspaceID, originalPath string) (string, bool, error) {
	var short string
	err := s.db.QueryRow(`SELECT short_path FROM path_mappings WHERE workspace_id = ? AND original_path = ?`,
		workspaceID, originalPath).Scan(&short)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.KindDatabase, "metadata: resolve original path", err)
	}
	return short, true, nil
}

// TouchPathMapping implements pathmgr.Store.
func (s *Store) TouchPathMapping(workspaceID, shortPath string) error {
	_, err := s.db.Exec(`UPDATE path_mappings SET access_count = access_count + 1 WHERE workspace_id = ? AND short_path = ?`,
		workspaceID, shortPath)
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "metadata: touch path mapping", err)
	}
	return nil
}

// VerifyCASCompleteness checks the invariant from spec §4.2 ("every
// files.sha256 resolves in CAS") using an exists callback so this package
// stays free of a direct cas import. Returns the hashes that failed.
func (s *Store) VerifyCASCompleteness(ctx context.Context, exists func(sha256hex string) bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sha256 FROM files`)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "metadata: verify completeness", err)
	}
	defer rows.Close()
	var missing []string
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, errs.Wrap(errs.KindDatabase, "metadata: scan sha256", err)
		}
		if !exists(sha) {
			missing = append(missing, sha)
		}
	}
	return missing, nil
}

func scanFile(row *sql.Row) (FileRecord, bool, error) {
	var f FileRecord
	var parent sql.NullInt64
	err := row.Scan(&f.ID, &f.SHA256, &f.VirtualPath, &f.OriginalName, &f.Size, &f.MIME, &parent, &f.Depth, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, errs.Wrap(errs.KindDatabase, "metadata: scan file", err)
	}
	f.ParentArchiveID = parent
	return f, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRow(rows rowScanner) (FileRecord, error) {
	var f FileRecord
	var parent sql.NullInt64
	err := rows.Scan(&f.ID, &f.SHA256, &f.VirtualPath, &f.OriginalName, &f.Size, &f.MIME, &parent, &f.Depth, &f.CreatedAt)
	if err != nil {
		return FileRecord{}, errs.Wrap(errs.KindDatabase, "metadata: scan file row", err)
	}
	f.ParentArchiveID = parent
	return f, nil
}

func scanArchive(row *sql.Row) (ArchiveRecord, bool, error) {
	var a ArchiveRecord
	var parent sql.NullInt64
	var format, status string
	err := row.Scan(&a.ID, &a.SHA256, &a.VirtualPath, &a.OriginalName, &format, &parent, &a.Depth, &status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return ArchiveRecord{}, false, nil
	}
	if err != nil {
		return ArchiveRecord{}, false, errs.Wrap(errs.KindDatabase, "metadata: scan archive", err)
	}
	a.Format, a.Status, a.ParentArchiveID = Format(format), Status(status), parent
	return a, true, nil
}

func scanArchiveRow(rows rowScanner) (ArchiveRecord, error) {
	var a ArchiveRecord
	var parent sql.NullInt64
	var format, status string
	err := rows.Scan(&a.ID, &a.SHA256, &a.VirtualPath, &a.OriginalName, &format, &parent, &a.Depth, &status, &a.CreatedAt)
	if err != nil {
		return ArchiveRecord{}, errs.Wrap(errs.KindDatabase, "metadata: scan archive row", err)
	}
	a.Format, a.Status, a.ParentArchiveID = Format(format), Status(status), parent
	return a, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func now() time.Time { return time.Now().UTC() }

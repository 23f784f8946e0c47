// Package pathmgr shortens over-long virtual paths to a platform-safe
// length while preserving a reversible mapping back to the archive-declared
// original path.
//
// Shortening is content-address-free by design (per spec §4.3): the file's
// own SHA-256 identifies its bytes in the CAS, but the *path* hash used here
// only identifies a location. Two byte-identical files under two different
// long paths must still produce two metadata rows and two short paths that
// both resolve correctly, sharing one blob.
package pathmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zynqcloud/archivecas/internal/errs"
)

const resolveCacheSize = 50_000

// Store is the subset of metadata.Store that PathManager needs: persistence
// of the bidirectional (short, original) mapping.
type Store interface {
	InsertPathMapping(workspaceID, shortPath, originalPath string) error
	ResolveShortPath(workspaceID, shortPath string) (originalPath string, ok bool, err error)
	ResolveOriginalPath(workspaceID, originalPath string) (shortPath string, ok bool, err error)
	TouchPathMapping(workspaceID, shortPath string) error
}

// Manager shortens and resolves virtual paths for one workspace.
type Manager struct {
	store               Store
	workspaceID         string
	platformLimit       int
	safetyMargin        int
	shorteningThreshold int
	hashLength          int

	shortCache    *lru.Cache[string, string] // shortPath -> originalPath
	originalCache *lru.Cache[string, string] // originalPath -> shortPath
}

// Config bundles the policy knobs that govern shortening.
type Config struct {
	// PlatformLimit is the host filesystem's maximum path length (informational;
	// ShorteningThreshold is what actually triggers shortening, per spec §4.3).
	PlatformLimit int
	SafetyMargin  int
	// ShorteningThreshold is policy.shortening_threshold from spec §6.
	ShorteningThreshold int
	// HashLength is policy.hash_length from spec §6 (default 16).
	HashLength int
}

// New creates a Manager for one workspace.
func New(store Store, workspaceID string, cfg Config) (*Manager, error) {
	if cfg.HashLength <= 0 {
		cfg.HashLength = 16
	}
	if cfg.ShorteningThreshold <= 0 {
		cfg.ShorteningThreshold = 200
	}
	shortCache, err := lru.New[string, string](resolveCacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "pathmgr: create short cache", err)
	}
	originalCache, err := lru.New[string, string](resolveCacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "pathmgr: create original cache", err)
	}
	return &Manager{
		store:               store,
		workspaceID:         workspaceID,
		platformLimit:       cfg.PlatformLimit,
		safetyMargin:        cfg.SafetyMargin,
		shorteningThreshold: cfg.ShorteningThreshold,
		hashLength:          cfg.HashLength,
		shortCache:          shortCache,
		originalCache:       originalCache,
	}, nil
}

// Shorten returns the virtual path to actually store for original: original
// itself if it's within the threshold, or a deterministic shortened form
// with the mapping persisted otherwise.
//
// Deterministic: the same original always maps to the same short path
// within a workspace, so re-ingesting the same archive never creates a
// second mapping row (the insert is idempotent on the unique
// (workspace_id, short_path) constraint).
func (m *Manager) Shorten(original string) (string, error) {
	limit := m.shorteningThreshold
	if limit <= 0 {
		limit = m.platformLimit - m.safetyMargin
	}
	if limit <= 0 || len(original) <= limit {
		return original, nil
	}

	short := m.computeShortPath(original)
	if err := m.store.InsertPathMapping(m.workspaceID, short, original); err != nil {
		return "", errs.Wrap(errs.KindDatabase, "pathmgr: persist mapping", err)
	}
	m.shortCache.Add(short, original)
	m.originalCache.Add(original, short)
	return short, nil
}

// computeShortPath truncates original to the threshold, replacing the
// suffix beyond it with sha256(original)[:hashLength] hex chars, preserving
// the extension, per spec §4.3.
func (m *Manager) computeShortPath(original string) string {
	sum := sha256.Sum256([]byte(original))
	hashSuffix := hex.EncodeToString(sum[:])[:m.hashLength]

	ext := path.Ext(original)
	limit := m.shorteningThreshold
	if limit <= 0 {
		limit = m.platformLimit - m.safetyMargin
	}
	keep := limit - len(hashSuffix) - len(ext) - 1 // -1 for the separating "~"
	if keep < 0 {
		keep = 0
	}
	if keep > len(original) {
		keep = len(original)
	}
	prefix := original[:keep]
	return prefix + "~" + hashSuffix + ext
}

// Resolve maps a short path back to its original, checking the cache before
// the backing store.
func (m *Manager) Resolve(short string) (string, bool, error) {
	if original, ok := m.shortCache.Get(short); ok {
		m.touch(short)
		return original, true, nil
	}
	original, ok, err := m.store.ResolveShortPath(m.workspaceID, short)
	if err != nil {
		return "", false, errs.Wrap(errs.KindDatabase, "pathmgr: resolve short", err)
	}
	if ok {
		m.shortCache.Add(short, original)
		m.touch(short)
	}
	return original, ok, nil
}

// ResolveOriginal maps an original path to its short form, if one was ever
// recorded (paths under the shortening threshold never get a mapping row and
// so are never found here — they are already their own short form).
func (m *Manager) ResolveOriginal(original string) (string, bool, error) {
	if short, ok := m.originalCache.Get(original); ok {
		return short, true, nil
	}
	short, ok, err := m.store.ResolveOriginalPath(m.workspaceID, original)
	if err != nil {
		return "", false, errs.Wrap(errs.KindDatabase, "pathmgr: resolve original", err)
	}
	if ok {
		m.originalCache.Add(original, short)
	}
	return short, ok, nil
}

func (m *Manager) touch(short string) {
	_ = m.store.TouchPathMapping(m.workspaceID, short) // access-count bump is best-effort
}

// NormalizeEntryPath joins a virtual_prefix and an archive entry name into a
// slash-separated virtual path, rejecting path-traversal attempts per spec
// §4.6(b) / §8 invariant 3. Unlike filesystem paths, virtual paths always
// use "/" regardless of host OS.
func NormalizeEntryPath(prefix, entryName string) (string, error) {
	entryName = strings.ReplaceAll(entryName, "\\", "/")

	// Clean as a relative path (no leading "/" prepended) so that a leading
	// ".." survives cleaning instead of being silently absorbed against a
	// synthetic root — path.Clean("/"+"../x") collapses to "/x", which would
	// hide the traversal attempt rather than reject it.
	clean := path.Clean(entryName)
	if clean == "." || clean == "" {
		return "", errs.New(errs.KindSecurity, "pathmgr: empty entry name").WithContext("entry_name", entryName)
	}
	if path.IsAbs(clean) {
		clean = strings.TrimPrefix(clean, "/")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errs.New(errs.KindSecurity, "pathmgr: path traversal").WithContext("entry_name", entryName)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", errs.New(errs.KindSecurity, "pathmgr: path traversal").WithContext("entry_name", entryName)
		}
	}
	if prefix == "" {
		return clean, nil
	}
	return prefix + "/" + clean, nil
}

// Package tree implements the VirtualTreeAPI: the read-side contract over
// MetadataStore and CAS, per spec §4.9. Both operations are read-only and
// lock-free with respect to ongoing ingestion — they only ever issue SELECT
// queries against MetadataStore, whose WAL journal mode (internal/metadata)
// gives readers a consistent snapshot without blocking writers.
package tree

import (
	"context"
	"io"

	"github.com/zynqcloud/archivecas/internal/cas"
	"github.com/zynqcloud/archivecas/internal/metadata"
)

// NodeKind discriminates the two TreeNode variants from spec §4.9.
type NodeKind string

const (
	NodeFile    NodeKind = "file"
	NodeArchive NodeKind = "archive"
)

// Node is spec §4.9's TreeNode: File{sha, virtual_path, size} or
// Archive{sha, virtual_path, children}, merged into one struct with
// Kind-gated fields rather than an interface — the whole tree is typically
// serialised to JSON for the HTTP layer, where a tagged struct marshals more
// directly than an interface value.
type Node struct {
	Kind        NodeKind        `json:"kind"`
	SHA256      string          `json:"sha256"`
	VirtualPath string          `json:"virtual_path"`
	Size        int64           `json:"size,omitempty"`
	Format      metadata.Format `json:"format,omitempty"`
	Status      metadata.Status `json:"status,omitempty"`
	Children    []Node          `json:"children,omitempty"`
}

// API is the VirtualTreeAPI over one workspace's MetadataStore and CAS.
type API struct {
	Meta *metadata.Store
	CAS  *cas.Store
}

// New builds an API bound to the given workspace's stores.
func New(meta *metadata.Store, store *cas.Store) *API {
	return &API{Meta: meta, CAS: store}
}

// GetTree assembles the full tree for the workspace: one query each for the
// root files and root archives, then one recursive GetArchiveChildren call
// per archive node, per spec §4.9.
func (a *API) GetTree(ctx context.Context) ([]Node, error) {
	rootFiles, err := a.Meta.GetRootFiles(ctx)
	if err != nil {
		return nil, err
	}
	rootArchives, err := a.Meta.GetRootArchives(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(rootFiles)+len(rootArchives))
	for _, f := range rootFiles {
		nodes = append(nodes, fileNode(f))
	}
	for _, arc := range rootArchives {
		node, err := a.archiveNode(ctx, arc)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (a *API) archiveNode(ctx context.Context, arc metadata.ArchiveRecord) (Node, error) {
	files, archives, err := a.Meta.GetArchiveChildren(ctx, arc.ID)
	if err != nil {
		return Node{}, err
	}
	node := Node{
		Kind:        NodeArchive,
		SHA256:      arc.SHA256,
		VirtualPath: arc.VirtualPath,
		Format:      arc.Format,
		Status:      arc.Status,
	}
	for _, f := range files {
		node.Children = append(node.Children, fileNode(f))
	}
	for _, child := range archives {
		childNode, err := a.archiveNode(ctx, child)
		if err != nil {
			return Node{}, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

func fileNode(f metadata.FileRecord) Node {
	return Node{Kind: NodeFile, SHA256: f.SHA256, VirtualPath: f.VirtualPath, Size: f.Size}
}

// ReadFileByHash proxies CAS, optionally capping the returned stream at
// maxLen bytes (maxLen <= 0 means unbounded), per spec §4.9's
// read_file(workspace_id, sha256, max_bytes?). The caller owns the returned
// ReadCloser's lifetime and must Close it.
func (a *API) ReadFileByHash(sha256hex string, maxLen int64) (io.ReadCloser, int64, error) {
	rc, size, err := a.CAS.Read(sha256hex)
	if err != nil {
		return nil, 0, err
	}
	if maxLen > 0 && maxLen < size {
		return &limitedReadCloser{Reader: io.LimitReader(rc, maxLen), closer: rc}, maxLen, nil
	}
	return rc, size, nil
}

// limitedReadCloser pairs an io.LimitReader over an underlying stream with
// that stream's real Close, since io.LimitReader alone drops io.Closer.
type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// IPFSMirror replicates sealed ciphertext into the mutable file system (MFS)
// of an IPFS node, under /<root>/<kind>/<id>.
type IPFSMirror struct {
	shell       *shell.Shell
	apiAddr     string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSMirror creates an IPFS mirror talking to the node API at host:port.
func NewIPFSMirror(host, port, root string, log *slog.Logger) *IPFSMirror {
	apiAddr := fmt.Sprintf("%s:%s", host, port)
	root = "/" + strings.Trim(root, "/")

	return &IPFSMirror{
		shell:       shell.NewShell(apiAddr),
		apiAddr:     apiAddr,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiAddr, root),
	}
}

func (m *IPFSMirror) Fetch(ctx context.Context, id interfaces.BlobID, kind interfaces.BlobKind) ([]byte, error) {
	if !m.shell.IsUp() {
		return nil, interfaces.ErrMirrorUnavailable
	}

	mfsPath := m.mfsPath(id, kind)
	reader, err := m.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read %s from IPFS: %w", mfsPath, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	return data, nil
}

func (m *IPFSMirror) Store(ctx context.Context, data []byte, kind interfaces.BlobKind) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	if !m.shell.IsUp() {
		return id, interfaces.ErrMirrorUnavailable
	}

	mfsPath := m.mfsPath(id, kind)
	err := m.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write %s to IPFS: %w", mfsPath, err)
	}

	stat, err := m.shell.FilesStat(ctx, mfsPath)
	if err == nil {
		m.log.Debug("Stored blob in IPFS mirror",
			slog.String("path", mfsPath),
			slog.String("cid", stat.Hash))
	}
	return id, nil
}

func (m *IPFSMirror) Available(ctx context.Context) bool {
	return m.shell.IsUp()
}

func (m *IPFSMirror) Name() string {
	return fmt.Sprintf("ipfs-%s", m.apiAddr)
}

func (m *IPFSMirror) LocationURI() string {
	return m.locationURI
}

func (m *IPFSMirror) mfsPath(id interfaces.BlobID, kind interfaces.BlobKind) string {
	return fmt.Sprintf("%s/%s/%s", m.root, kind, id)
}

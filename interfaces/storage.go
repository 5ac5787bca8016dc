package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// BlobID is the SHA-256 hash of a sealed ciphertext pushed to a mirror.
type BlobID [32]byte

// NewBlobIDFromHex parses a 64-character hex string, with or without 0x prefix.
func NewBlobIDFromHex(source string) (BlobID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return BlobID{}, errors.New("invalid blob ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return BlobID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id BlobID
	copy(id[:], raw)
	return id, nil
}

// ComputeBlobID calculates the mirror identifier of a ciphertext.
func ComputeBlobID(data []byte) BlobID {
	return BlobID(sha256.Sum256(data))
}

// String returns hex representation.
func (id BlobID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two blob IDs.
func (id BlobID) Equal(other BlobID) bool {
	return bytes.Equal(id[:], other[:])
}

// BlobKind is the namespace a mirrored blob is stored under.
type BlobKind int

const (
	// ShareBlob for sealed secret shares
	ShareBlob BlobKind = iota
	// RegistryBlob for sealed NFT registry snapshots
	RegistryBlob
	// StateBlob for sealed shard state
	StateBlob
)

// String returns kind name.
func (k BlobKind) String() string {
	switch k {
	case ShareBlob:
		return "share"
	case RegistryBlob:
		return "registry"
	case StateBlob:
		return "state"
	default:
		return "unknown"
	}
}

// MirrorLocation is a parsed mirror URI.
type MirrorLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

// NewMirrorLocation parses and validates a mirror URI.
func NewMirrorLocation(uri string) (MirrorLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return MirrorLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault", "badger":
	default:
		return MirrorLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return MirrorLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc MirrorLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc MirrorLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc MirrorLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrBlobNotFound is returned when a mirror does not hold the requested blob.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrMirrorUnavailable is returned when a mirror is not accessible.
	ErrMirrorUnavailable = errors.New("mirror unavailable")

	// ErrInvalidLocationURI is returned when a mirror URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid mirror location URI")
)

// MirrorBackend replicates sealed ciphertext outside the enclave host.
// Only ciphertext ever reaches a mirror.
type MirrorBackend interface {
	// Fetch retrieves a blob by ID and kind.
	Fetch(ctx context.Context, id BlobID, kind BlobKind) ([]byte, error)

	// Store saves a blob and returns its ID.
	Store(ctx context.Context, data []byte, kind BlobKind) (BlobID, error)

	// Available checks if the mirror is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this mirror.
	LocationURI() string
}

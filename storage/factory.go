package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// MirrorFactory creates mirrors from location URIs.
type MirrorFactory struct {
	log *slog.Logger
}

// NewMirrorFactory creates a factory logging through log.
func NewMirrorFactory(log *slog.Logger) *MirrorFactory {
	return &MirrorFactory{log: log}
}

// MirrorFor creates a mirror from a location URI.
//
// Supported schemes:
//   - file:///abs/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=...
//   - vault://host:port/mount/path?token=...&tls=false
//   - ipfs://host:port/root
//   - badger:///abs/path
func (f *MirrorFactory) MirrorFor(loc interfaces.MirrorLocation) (interfaces.MirrorBackend, error) {
	f.log.Debug("Creating mirror", slog.String("scheme", loc.Scheme))

	switch loc.Scheme {
	case "file":
		return NewFileMirror(localPath(loc), f.log)
	case "badger":
		return NewBadgerMirror(localPath(loc), f.log)
	case "s3":
		return f.createS3Mirror(loc)
	case "vault":
		return f.createVaultMirror(loc)
	case "ipfs":
		port := "5001"
		host := loc.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host, port = host[:i], host[i+1:]
		}
		return NewIPFSMirror(host, port, loc.Path, f.log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiMirror builds a MultiMirror from every URI that yields a valid mirror.
func (f *MirrorFactory) CreateMultiMirror(uris []string) (*MultiMirror, error) {
	mirrors := make([]interfaces.MirrorBackend, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewMirrorLocation(uri)
		if err != nil {
			f.log.Warn("Skipping invalid mirror location", "err", err)
			continue
		}
		mirror, err := f.MirrorFor(loc)
		if err != nil {
			f.log.Warn("Failed to create mirror", slog.String("scheme", loc.Scheme), "err", err)
			continue
		}
		mirrors = append(mirrors, mirror)
	}

	if len(mirrors) == 0 {
		return nil, fmt.Errorf("no valid mirrors created")
	}
	return NewMultiMirror(mirrors, f.log), nil
}

func (f *MirrorFactory) createS3Mirror(loc interfaces.MirrorLocation) (interfaces.MirrorBackend, error) {
	cfg := S3MirrorConfig{
		Bucket:   loc.Host,
		Prefix:   strings.TrimPrefix(loc.Path, "/"),
		Region:   loc.GetParam("region"),
		Endpoint: loc.GetParam("endpoint"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if loc.Auth != "" {
		user, pass, _ := strings.Cut(loc.Auth, ":")
		cfg.AccessKey, cfg.SecretKey = user, pass
	}
	return NewS3Mirror(cfg, f.log)
}

func (f *MirrorFactory) createVaultMirror(loc interfaces.MirrorLocation) (interfaces.MirrorBackend, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: vault URI needs /mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)
	return NewVaultMirror(address, parts[0], parts[1], loc.GetParam("token"), f.log)
}

func localPath(loc interfaces.MirrorLocation) string {
	if loc.Host != "" {
		return loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
	}
	return loc.Path
}

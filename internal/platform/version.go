package platform

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// VersionStamp identifies a served build. Fingerprint changes whenever the
// asset manifest does, even without a version bump.
type VersionStamp struct {
	Version     string `json:"version"`
	BuildTime   string `json:"build_time,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// String renders the stamp for logs.
func (v VersionStamp) String() string {
	if v.Fingerprint == "" {
		return v.Version
	}
	fp := v.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return v.Version + "+" + fp
}

// IsZero reports an unset stamp.
func (v VersionStamp) IsZero() bool {
	return v.Version == "" && v.Fingerprint == ""
}

// Matches reports whether other describes the same build.
func (v VersionStamp) Matches(other VersionStamp) bool {
	return v.Version == other.Version && v.Fingerprint == other.Fingerprint
}

// FingerprintFile returns the hex BLAKE2b-256 digest of path. A missing file
// has an empty fingerprint.
func FingerprintFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash manifest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StampSource builds the currently served stamp on demand.
type StampSource struct {
	Version      string
	BuildTime    string
	ManifestPath string
}

// Current fingerprints the manifest and returns the served stamp.
func (s StampSource) Current() (VersionStamp, error) {
	fp, err := FingerprintFile(s.ManifestPath)
	if err != nil {
		return VersionStamp{}, err
	}
	return VersionStamp{Version: s.Version, BuildTime: s.BuildTime, Fingerprint: fp}, nil
}

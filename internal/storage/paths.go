package storage

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Top-level prefixes of the persisted layout.
const (
	PrefixUploads    = "uploads"
	PrefixProcessing = "processing"
	PrefixArtifacts  = "artifacts"
	PrefixOutputs    = "outputs"
	PrefixTemp       = "temp"
)

// PurgeablePrefixes lists the prefixes whose objects expire after the retention age.
var PurgeablePrefixes = []string{PrefixTemp + "/", PrefixProcessing + "/"}

// JobPath joins a top-level prefix, a job id and the remaining segments.
func JobPath(prefix, jobID string, parts ...string) string {
	elems := append([]string{prefix, jobID}, parts...)
	return path.Join(elems...)
}

// CleanPath normalizes a logical path and rejects anything that could escape the
// storage root.
func CleanPath(p string) (string, error) {
	if strings.Contains(p, "\\") {
		return "", errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	trimmed := strings.TrimLeft(strings.TrimSpace(p), "/")
	if trimmed == "" {
		return "", errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", errors.Wrapf(ErrInvalidPath, "%q", p)
		}
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", errors.Wrapf(ErrInvalidPath, "%q", p)
	}
	return cleaned, nil
}

// normalizePrefix returns prefix without leading slash and with exactly one trailing slash.
func normalizePrefix(prefix string) (string, error) {
	cleaned, err := CleanPath(prefix)
	if err != nil {
		return "", err
	}
	return cleaned + "/", nil
}

func topLevel(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// IsRetentionExempt reports whether objects under p must never be deleted by an
// age-based rule.
func IsRetentionExempt(p string) bool {
	switch topLevel(strings.TrimLeft(p, "/")) {
	case PrefixUploads, PrefixOutputs, PrefixArtifacts:
		return true
	}
	return false
}

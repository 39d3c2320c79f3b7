package models

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// Artifact is an immutable built image. Digest is the content address produced
// by the build; RepoDigest is the manifest digest the registry acknowledged.
type Artifact struct {
	Digest     string     `gorm:"type:varchar(128)" json:"digest,omitempty"`
	Repository string     `gorm:"type:varchar(512)" json:"repository,omitempty"`
	Tag        string     `gorm:"type:varchar(128)" json:"tag,omitempty"`
	RepoDigest string     `gorm:"type:varchar(128)" json:"repo_digest,omitempty"`
	Size       int64      `json:"size,omitempty"`
	BuiltAt    *time.Time `json:"built_at,omitempty"`
}

// Validate checks that the build digest is a well-formed content address.
func (a Artifact) Validate() error {
	if _, err := digest.Parse(a.Digest); err != nil {
		return fmt.Errorf("artifact digest %q: %w", a.Digest, err)
	}
	if a.RepoDigest != "" {
		if _, err := digest.Parse(a.RepoDigest); err != nil {
			return fmt.Errorf("artifact repo digest %q: %w", a.RepoDigest, err)
		}
	}
	return nil
}

// TaggedRef is repository:tag.
func (a Artifact) TaggedRef() string {
	return a.Repository + ":" + a.Tag
}

// PinnedRef is repository@digest once the registry has acknowledged the push,
// and the tagged reference before that.
func (a Artifact) PinnedRef() string {
	if a.RepoDigest == "" {
		return a.TaggedRef()
	}
	return a.Repository + "@" + a.RepoDigest
}

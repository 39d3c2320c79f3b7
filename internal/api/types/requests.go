package types

import "strings"

// PushEvent is the subset of a git host push webhook the listener reads.
type PushEvent struct {
	Ref        string          `json:"ref" validate:"required_without=After,max=255"`
	After      string          `json:"after" validate:"omitempty,max=255"`
	Repository *PushRepository `json:"repository,omitempty"`
	// Deleted is set when the push removed the branch.
	Deleted bool `json:"deleted"`
}

type PushRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

// SourceRef is the ref a run builds: the pushed commit when the host sends
// one, the branch ref otherwise.
func (e PushEvent) SourceRef() string {
	if after := strings.TrimSpace(e.After); after != "" {
		return after
	}
	return strings.TrimSpace(e.Ref)
}

func (e PushEvent) RepositoryName() string {
	if e.Repository == nil {
		return ""
	}
	return e.Repository.FullName
}

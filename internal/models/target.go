package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Target is a deployment destination host plus its current container identity.
type Target struct {
	Name string `gorm:"type:varchar(128);primaryKey" json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	Host string `gorm:"type:varchar(255);not null" json:"host" yaml:"host" validate:"required"`
	Port int    `gorm:"not null;default:22" json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User string `gorm:"type:varchar(64);not null" json:"user" yaml:"user" validate:"required"`
	// CredentialRef resolves to the SSH key or password at use time.
	CredentialRef string `gorm:"type:varchar(255);not null" json:"credential_ref" yaml:"credential_ref" validate:"required"`

	Repository string `gorm:"type:varchar(512);not null" json:"repository" yaml:"repository" validate:"required"`
	// SourceRepository, when set, is the only repository whose pushes deploy here.
	SourceRepository      string `gorm:"type:varchar(255)" json:"source_repository,omitempty" yaml:"source_repository"`
	RegistryCredentialRef string `gorm:"type:varchar(255)" json:"registry_credential_ref,omitempty" yaml:"registry_credential_ref"`

	ContextDir string                      `gorm:"type:varchar(512)" json:"context_dir" yaml:"context_dir"`
	Dockerfile string                      `gorm:"type:varchar(255)" json:"dockerfile,omitempty" yaml:"dockerfile"`
	BuildArgs  datatypes.JSONMap           `json:"build_args,omitempty" yaml:"build_args"`
	RunArgs    datatypes.JSONSlice[string] `json:"run_args,omitempty" yaml:"run_args"`

	ContainerName string `gorm:"type:varchar(128);not null" json:"container_name" yaml:"container_name" validate:"required"`

	// Mutated only as a result of remote actions issued by the orchestrator.
	ContainerID        string `gorm:"type:varchar(128)" json:"container_id,omitempty" yaml:"-"`
	CurrentImage       string `gorm:"type:varchar(512)" json:"current_image,omitempty" yaml:"-"`
	PreviousImage      string `gorm:"type:varchar(512)" json:"previous_image,omitempty" yaml:"-"`
	ManualIntervention bool   `gorm:"not null;default:false" json:"manual_intervention" yaml:"-"`
	InterventionReason string `gorm:"type:text" json:"intervention_reason,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// SSHPort returns the configured port, defaulting to 22.
func (t Target) SSHPort() int {
	if t.Port == 0 {
		return 22
	}
	return t.Port
}

// StringBuildArgs flattens BuildArgs for the build tool.
func (t Target) StringBuildArgs() map[string]string {
	out := make(map[string]string, len(t.BuildArgs))
	for k, v := range t.BuildArgs {
		out[k] = fmt.Sprint(v)
	}
	return out
}

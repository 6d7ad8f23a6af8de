package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

const DefaultDockerTag = "latest"

// JobDefinition is a configured scanner: image, input, parser and arguments.
type JobDefinition struct {
	ID                  uint           `json:"id" gorm:"primaryKey"`
	Name                string         `json:"scanner_name" gorm:"column:scanner_name;size:255;uniqueIndex;not null"`
	Image               string         `json:"image" gorm:"size:255;not null"`
	DockerTag           string         `json:"docker_tag" gorm:"size:50;default:latest"`
	TargetHostID        *uint          `json:"rootbox_id" gorm:"column:rootbox_id"`
	TargetHost          *TargetHost    `json:"rootbox,omitempty" gorm:"foreignKey:TargetHostID"`
	ContinuouslyRunning bool           `json:"continous_running" gorm:"column:continous_running;default:false;index"`
	Input               string         `json:"input" gorm:"size:30;index"`
	Parser              string         `json:"parser" gorm:"size:20;index"`
	ExtraArgs           string         `json:"extra_args" gorm:"size:255"`
	EnvironmentVars     datatypes.JSON `json:"environment_vars"`
	Notes               string         `json:"notes"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (JobDefinition) TableName() string {
	return "scanners"
}

func (j *JobDefinition) String() string {
	return j.Name
}

// Tag returns the docker tag, defaulting to latest.
func (j *JobDefinition) Tag() string {
	if j.DockerTag == "" {
		return DefaultDockerTag
	}
	return j.DockerTag
}

// ImageRef returns the image repository with the registry prefix applied, without tag.
func (j *JobDefinition) ImageRef(prefix string) string {
	return prefix + j.Image
}

// Environment decodes EnvironmentVars. Non-string values are formatted with %v.
func (j *JobDefinition) Environment() (map[string]string, error) {
	env := map[string]string{}
	if len(j.EnvironmentVars) == 0 {
		return env, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(j.EnvironmentVars, &raw); err != nil {
		return env, fmt.Errorf("invalid environment_vars for %s: %w", j.Name, err)
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			env[k] = s
			continue
		}
		env[k] = fmt.Sprintf("%v", v)
	}
	return env, nil
}

package cloudapi

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ncu-collector/internal/telemetry/domain"
)

// FileDirectory serves a fixed project directory loaded from YAML.
type FileDirectory struct {
	projects []telemetry.Project
}

type projectsFile struct {
	Projects []telemetry.Project `yaml:"projects"`
}

// LoadProjectsFile reads a YAML project directory:
//
//	projects:
//	  - name: North Field
//	    storage_key: north_field
func LoadProjectsFile(path string) (*FileDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file projectsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("cloudapi: parse %s: %w", path, err)
	}
	if len(file.Projects) == 0 {
		return nil, errors.New("cloudapi: projects file lists no projects")
	}
	for i, p := range file.Projects {
		if p.StorageKey == "" {
			return nil, fmt.Errorf("cloudapi: project %d has no storage_key", i)
		}
		if p.Name == "" {
			file.Projects[i].Name = p.StorageKey
		}
	}
	return &FileDirectory{projects: file.Projects}, nil
}

// Projects returns a copy of the loaded directory.
func (d *FileDirectory) Projects(context.Context) ([]telemetry.Project, error) {
	return append([]telemetry.Project(nil), d.projects...), nil
}

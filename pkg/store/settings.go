package store

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectSettings are the recognised keys of Project.ProjectSettings.
type ProjectSettings struct {
	CIDeleteResultsResubmittedJobs      bool              `yaml:"CI_DELETE_RESULTS_RESUBMITTED_JOBS"`
	CIResetBuildEventsOnJobResubmission bool              `yaml:"CI_RESET_BUILD_EVENTS_ON_JOB_RESUBMISSION"`
	CILavaJobErrorStatus                string            `yaml:"CI_LAVA_JOB_ERROR_STATUS"`
	PluginsTradefedExtractAggregated    bool              `yaml:"PLUGINS_TRADEFED_EXTRACT_AGGREGATED"`
	BuildMetadataKeys                   []string          `yaml:"BUILD_METADATA_KEYS"`
	TestMetadataKeys                    []string          `yaml:"TEST_METADATA_KEYS"`
	CallbackHeaders                     map[string]string `yaml:"CALLBACK_HEADERS"`
	ShowProjectsActiveNDaysAgo          int               `yaml:"SHOW_PROJECTS_ACTIVE_N_DAYS_AGO"`
	DefaultProjectCount                 int               `yaml:"DEFAULT_PROJECT_COUNT"`
}

// ParseProjectSettings decodes a project settings document. Empty input
// yields zero settings.
func ParseProjectSettings(text string) (ProjectSettings, error) {
	var settings ProjectSettings

	if strings.TrimSpace(text) == "" {
		return settings, nil
	}

	if err := yaml.Unmarshal([]byte(text), &settings); err != nil {
		return settings, fmt.Errorf("parsing project settings: %w", err)
	}

	return settings, nil
}

// Settings decodes the project's settings document.
func (p *Project) Settings() (ProjectSettings, error) {
	return ParseProjectSettings(p.ProjectSettings)
}

// ImportantMetadata returns the configured important metadata keys, one
// per line.
func (p *Project) ImportantMetadata() []string {
	var keys []string

	for _, line := range strings.Split(p.ImportantMetadataKeys, "\n") {
		if key := strings.TrimSpace(line); key != "" {
			keys = append(keys, key)
		}
	}

	return keys
}

// ParseBackendSettings decodes Backend.BackendSettings as a YAML mapping.
func ParseBackendSettings(text string) (map[string]any, error) {
	settings := map[string]any{}

	if strings.TrimSpace(text) == "" {
		return settings, nil
	}

	if err := yaml.Unmarshal([]byte(text), &settings); err != nil {
		return nil, fmt.Errorf("parsing backend settings: %w", err)
	}

	return settings, nil
}

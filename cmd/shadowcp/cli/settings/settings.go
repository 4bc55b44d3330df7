// Package settings provides configuration loading for shadowcp.
// This package is separate from cli so checkpoint wiring and logging can
// read it without an import cycle.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/jsonutil"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
)

// Layout names.
const (
	LayoutTask      = "task"
	LayoutWorkspace = "workspace"
)

// DefaultGCThreshold is the number of saves between background compactions.
const DefaultGCThreshold = 20

// Settings represents <storage>/settings.json
type Settings struct {
	// Layout selects where shadow repositories live: "task" (one repository
	// per task) or "workspace" (one repository per workspace, one branch per task).
	Layout string `json:"layout"`

	// GCThreshold is the number of successful saves between background
	// garbage collection runs. Zero means the default.
	GCThreshold int `json:"gc_threshold,omitempty"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	// Can be overridden by SHADOWCP_LOG_LEVEL environment variable.
	LogLevel string `json:"log_level,omitempty"`

	// Exclude holds extra ignore patterns appended to every shadow repository's
	// exclude file.
	Exclude []string `json:"exclude,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not configured (disabled), true = opted in, false = opted out
	Telemetry *bool `json:"telemetry,omitempty"`
}

// Load loads settings from <storage>/settings.json, then applies any
// overrides from <storage>/settings.local.json if it exists.
// Returns default settings if neither file exists.
func Load(storage string) (*Settings, error) {
	s, err := loadFromFile(filepath.Join(storage, paths.SettingsFileName))
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	localData, err := os.ReadFile(filepath.Join(storage, paths.LocalSettingsFileName)) //nolint:gosec // path is under storage dir
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
	} else if err := mergeJSON(s, localData); err != nil {
		return nil, fmt.Errorf("merging local settings: %w", err)
	}

	applyDefaults(s)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes settings to <storage>/settings.json.
func Save(storage string, s *Settings) error {
	if err := jsonutil.WriteFileAtomic(filepath.Join(storage, paths.SettingsFileName), s); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}

// Validate rejects settings that cannot be acted on.
func (s *Settings) Validate() error {
	switch s.Layout {
	case LayoutTask, LayoutWorkspace:
	default:
		return fmt.Errorf("invalid layout %q: must be %q or %q", s.Layout, LayoutTask, LayoutWorkspace)
	}
	if s.GCThreshold < 0 {
		return fmt.Errorf("invalid gc_threshold %d: must not be negative", s.GCThreshold)
	}
	return nil
}

// TelemetryEnabled reports whether the user opted in to telemetry.
func (s *Settings) TelemetryEnabled() bool {
	return s.Telemetry != nil && *s.Telemetry
}

func loadFromFile(filePath string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(filePath) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(s)
			return s, nil
		}
		return nil, fmt.Errorf("%w", err)
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	applyDefaults(s)
	return s, nil
}

// mergeJSON merges JSON data into existing settings.
// Only fields present in the JSON override existing settings; exclude
// patterns are appended rather than replaced.
func mergeJSON(s *Settings, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	if layoutRaw, ok := raw["layout"]; ok {
		var l string
		if err := json.Unmarshal(layoutRaw, &l); err != nil {
			return fmt.Errorf("parsing layout field: %w", err)
		}
		if l != "" {
			s.Layout = l
		}
	}

	if thresholdRaw, ok := raw["gc_threshold"]; ok {
		var n int
		if err := json.Unmarshal(thresholdRaw, &n); err != nil {
			return fmt.Errorf("parsing gc_threshold field: %w", err)
		}
		s.GCThreshold = n
	}

	if logLevelRaw, ok := raw["log_level"]; ok {
		var ll string
		if err := json.Unmarshal(logLevelRaw, &ll); err != nil {
			return fmt.Errorf("parsing log_level field: %w", err)
		}
		if ll != "" {
			s.LogLevel = ll
		}
	}

	if excludeRaw, ok := raw["exclude"]; ok {
		var patterns []string
		if err := json.Unmarshal(excludeRaw, &patterns); err != nil {
			return fmt.Errorf("parsing exclude field: %w", err)
		}
		s.Exclude = append(s.Exclude, patterns...)
	}

	if telemetryRaw, ok := raw["telemetry"]; ok {
		var t bool
		if err := json.Unmarshal(telemetryRaw, &t); err != nil {
			return fmt.Errorf("parsing telemetry field: %w", err)
		}
		s.Telemetry = &t
	}

	return nil
}

func applyDefaults(s *Settings) {
	if s.Layout == "" {
		s.Layout = LayoutTask
	}
	if s.GCThreshold == 0 {
		s.GCThreshold = DefaultGCThreshold
	}
}

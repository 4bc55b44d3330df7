package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// disabledMarker is the name a nested .git is renamed to while suppressed.
const disabledMarker = ".git_disabled"

// defaultExcludes never enter the shadow repository: generated output,
// dependency trees, media and binaries, databases, archives and caches.
var defaultExcludes = []string{
	// build output and dependency directories
	".gradle/",
	".next/",
	".nuxt/",
	".parcel-cache/",
	".pytest_cache/",
	".sass-cache/",
	".svelte-kit/",
	".turbo/",
	"__pycache__/",
	"bower_components/",
	"build/",
	"coverage/",
	"dist/",
	"node_modules/",
	"out/",
	"Pods/",
	"target/",
	"vendor/",

	// environment and cache directories
	".cache/",
	".direnv/",
	".tox/",
	".venv/",
	"venv/",
	"*.swp",
	"*.swo",
	"*.tmp",
	"*.temp",
	"*.pid",
	".DS_Store",

	// media
	"*.jpg",
	"*.jpeg",
	"*.png",
	"*.gif",
	"*.bmp",
	"*.ico",
	"*.webp",
	"*.tiff",
	"*.psd",
	"*.mp3",
	"*.mp4",
	"*.mov",
	"*.avi",
	"*.mkv",
	"*.wav",
	"*.flac",
	"*.ttf",
	"*.otf",
	"*.woff",
	"*.woff2",
	"*.eot",

	// compiled binaries and objects
	"*.exe",
	"*.dll",
	"*.so",
	"*.dylib",
	"*.o",
	"*.a",
	"*.class",
	"*.pyc",
	"*.wasm",

	// databases
	"*.db",
	"*.sqlite",
	"*.sqlite3",
	"*.mdb",
	"*.dump",

	// archives
	"*.zip",
	"*.tar",
	"*.gz",
	"*.tgz",
	"*.bz2",
	"*.xz",
	"*.rar",
	"*.7z",
	"*.jar",
	"*.war",
	"*.iso",

	// logs
	"*.log",

	disabledMarker + "/",
}

// DefaultExcludes returns a copy of the built-in exclusion patterns.
func DefaultExcludes() []string {
	return append([]string(nil), defaultExcludes...)
}

// BuildExcludes returns the built-in patterns followed by the workspace's
// own .gitignore rules and any extra patterns. A missing .gitignore
// contributes nothing; other read errors are returned.
func BuildExcludes(workspace string, extra ...string) ([]string, error) {
	patterns := DefaultExcludes()

	ignore, err := readIgnoreFile(filepath.Join(workspace, ".gitignore"))
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, ignore...)
	patterns = append(patterns, extra...)
	return patterns, nil
}

func readIgnoreFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is under the workspace
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return lines, nil
}

// WriteExcludes writes patterns to the shadow repository's local exclude
// file (<gitDir>/info/exclude), replacing its previous content.
func WriteExcludes(gitDir string, patterns []string) error {
	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", infoDir, err)
	}
	content := strings.Join(patterns, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(infoDir, "exclude"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	return nil
}

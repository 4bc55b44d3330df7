package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/gitcli"
)

// DiffOptions selects the two sides of a diff.
type DiffOptions struct {
	// From defaults to the base hash recorded by Initialize.
	From string

	// To is a commit to compare against. Empty compares against the live
	// workspace, which is staged first.
	To string
}

// FileDiff is the before and after content of one changed path.
type FileDiff struct {
	RelativePath string
	AbsolutePath string
	// OldPath is the source path of a renamed or copied file.
	OldPath string
	Status  gitcli.FileStatus
	Before  string
	After   string

	Additions int
	Deletions int
}

// Diff lists the files that differ between two checkpoints, or between a
// checkpoint and the workspace. Content that cannot be read is reported as
// empty rather than failing the diff.
func (s *Service) Diff(ctx context.Context, opts DiffOptions) ([]FileDiff, error) {
	if err := s.begin(StateDiffing); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	diffs, err := s.diff(ctx, opts)
	if err != nil {
		s.fail("diff", err)
		return nil, err
	}
	s.logf("computed diff of %d files in %s", len(diffs), time.Since(start).Round(time.Millisecond))
	return diffs, nil
}

func (s *Service) diff(ctx context.Context, opts DiffOptions) ([]FileDiff, error) {
	from := opts.From
	if from == "" {
		from = s.BaseHash()
	}
	if opts.To == "" {
		if err := s.stage(ctx); err != nil {
			return nil, err
		}
	}

	entries, err := s.git.DiffNameStatus(ctx, from, opts.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed files: %w", err)
	}

	diffs := make([]FileDiff, 0, len(entries))
	for _, e := range entries {
		fd := FileDiff{
			RelativePath: e.Path,
			AbsolutePath: filepath.Join(s.workspace, filepath.FromSlash(e.Path)),
			Status:       e.Status,
		}
		if e.Status == gitcli.StatusRenamed || e.Status == gitcli.StatusCopied {
			fd.OldPath = e.OrigPath
		}

		if e.Status != gitcli.StatusAdded {
			beforePath := e.Path
			if fd.OldPath != "" {
				beforePath = fd.OldPath
			}
			fd.Before = s.contentAt(ctx, from, beforePath)
		}
		if e.Status != gitcli.StatusDeleted {
			if opts.To == "" {
				fd.After = s.contentOnDisk(fd.AbsolutePath)
			} else {
				fd.After = s.contentAt(ctx, opts.To, e.Path)
			}
		}

		fd.Additions, fd.Deletions = lineStats(fd.Before, fd.After)
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

func (s *Service) contentAt(ctx context.Context, rev, path string) string {
	content, err := s.git.Show(ctx, rev, path)
	if err != nil {
		s.logf("failed to read %s at %s: %v", path, rev, err)
		return ""
	}
	return content
}

func (s *Service) contentOnDisk(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // path is a changed file under the workspace
	if err != nil {
		s.logf("failed to read %s: %v", path, err)
		return ""
	}
	return string(data)
}

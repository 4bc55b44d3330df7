package gitcli

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned when git reports a status code the stager
// has no rule for.
var ErrUnknownStatus = errors.New("unknown git status code")

// FileStatus is the staging-relevant state of one path.
type FileStatus int

const (
	StatusAdded FileStatus = iota + 1
	StatusModified
	StatusDeleted
	StatusRenamed
	StatusCopied
	StatusUntracked
)

func (s FileStatus) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusModified:
		return "modified"
	case StatusDeleted:
		return "deleted"
	case StatusRenamed:
		return "renamed"
	case StatusCopied:
		return "copied"
	case StatusUntracked:
		return "untracked"
	default:
		return fmt.Sprintf("FileStatus(%d)", int(s))
	}
}

// StatusEntry is one path from `git status --porcelain=v1 -z`.
type StatusEntry struct {
	Status FileStatus
	Path   string
	// OrigPath is the source path of a rename or copy.
	OrigPath string
}

// DiffEntry is one path from `git diff --name-status -z`.
type DiffEntry struct {
	Status FileStatus
	Path   string
	// OrigPath is the source path of a rename or copy.
	OrigPath string
}

func statusFromCode(c byte) (FileStatus, error) {
	switch c {
	case 'A':
		return StatusAdded, nil
	case 'M', 'T':
		return StatusModified, nil
	case 'D':
		return StatusDeleted, nil
	case 'R':
		return StatusRenamed, nil
	case 'C':
		return StatusCopied, nil
	case '?':
		return StatusUntracked, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, c)
	}
}

// ParseStatus parses NUL-separated porcelain v1 output. Each record is
// "XY PATH"; renames and copies are followed by a record holding the
// original path. The worktree code Y decides the status unless it is blank,
// in which case the index code X does.
func ParseStatus(out string) ([]StatusEntry, error) {
	tokens := splitNUL(out)
	entries := make([]StatusEntry, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		rec := tokens[i]
		if len(rec) < 4 || rec[2] != ' ' {
			return nil, fmt.Errorf("malformed status record %q", rec)
		}
		x, y := rec[0], rec[1]
		entry := StatusEntry{Path: rec[3:]}

		if x == 'R' || x == 'C' || y == 'R' || y == 'C' {
			i++
			if i >= len(tokens) {
				return nil, fmt.Errorf("status record %q is missing its original path", rec)
			}
			entry.OrigPath = tokens[i]
		}

		code := y
		if x == '?' || y == ' ' {
			code = x
		}
		st, err := statusFromCode(code)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", entry.Path, err)
		}
		entry.Status = st
		entries = append(entries, entry)
	}
	return entries, nil
}

// ParseNameStatus parses NUL-separated `git diff --name-status -z` output.
// Rename and copy codes carry a similarity score ("R087") and are followed
// by the old and new paths.
func ParseNameStatus(out string) ([]DiffEntry, error) {
	tokens := splitNUL(out)
	var entries []DiffEntry
	for i := 0; i < len(tokens); i++ {
		code := tokens[i]
		if code == "" {
			return nil, errors.New("empty name-status code")
		}
		st, err := statusFromCode(code[0])
		if err != nil {
			return nil, err
		}
		entry := DiffEntry{Status: st}
		if st == StatusRenamed || st == StatusCopied {
			if i+2 >= len(tokens) {
				return nil, fmt.Errorf("name-status %s is missing paths", code)
			}
			entry.OrigPath = tokens[i+1]
			entry.Path = tokens[i+2]
			i += 2
		} else {
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("name-status %s is missing its path", code)
			}
			entry.Path = tokens[i+1]
			i++
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func splitNUL(out string) []string {
	out = strings.TrimRight(out, "\x00")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\x00")
}

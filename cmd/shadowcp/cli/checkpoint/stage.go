package checkpoint

import (
	"context"
	"fmt"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/gitcli"
)

// stagingPlan splits status entries into paths to add and paths to drop
// from the index.
type stagingPlan struct {
	add    []string
	remove []string
}

func planStaging(entries []gitcli.StatusEntry) (stagingPlan, error) {
	var plan stagingPlan
	for _, e := range entries {
		switch e.Status {
		case gitcli.StatusAdded, gitcli.StatusUntracked, gitcli.StatusModified, gitcli.StatusCopied:
			plan.add = append(plan.add, e.Path)
		case gitcli.StatusRenamed:
			plan.add = append(plan.add, e.Path)
			if e.OrigPath != "" {
				plan.remove = append(plan.remove, e.OrigPath)
			}
		case gitcli.StatusDeleted:
			plan.remove = append(plan.remove, e.Path)
		default:
			return stagingPlan{}, fmt.Errorf("path %s: %w: %v", e.Path, gitcli.ErrUnknownStatus, e.Status)
		}
	}
	return plan, nil
}

// suppress disables nested repository markers for the duration of a
// worktree operation. The returned release must be deferred.
func (s *Service) suppress(ctx context.Context) (func(), error) {
	dirs, err := s.nested.get(ctx, s.workspace)
	if err != nil {
		return nil, err
	}
	return suppressNested(s.workspace, dirs, s.logf), nil
}

// stage brings the index in line with the workspace, touching only the
// paths git reports as changed.
func (s *Service) stage(ctx context.Context) error {
	release, err := s.suppress(ctx)
	if err != nil {
		return err
	}
	defer release()

	entries, err := s.git.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read workspace status: %w", err)
	}
	plan, err := planStaging(entries)
	if err != nil {
		return err
	}
	if err := s.git.Add(ctx, plan.add...); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	if err := s.git.RemoveCached(ctx, plan.remove...); err != nil {
		return fmt.Errorf("failed to stage deletions: %w", err)
	}
	if len(entries) > 0 {
		s.logf("staged %d additions and %d removals", len(plan.add), len(plan.remove))
	}
	return nil
}

// stageAll stages the entire workspace. Used for the initial commit.
func (s *Service) stageAll(ctx context.Context) error {
	release, err := s.suppress(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.git.AddAll(ctx); err != nil {
		return fmt.Errorf("failed to stage workspace: %w", err)
	}
	return nil
}

package checkpoint

import (
	"fmt"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/paths"
	"github.com/entireio/shadowcp/cmd/shadowcp/cli/settings"
)

// Layout selects how shadow repositories are addressed on disk.
type Layout int

const (
	// LayoutTask keeps one shadow repository per task under
	// <storage>/tasks/<taskID>/checkpoints.
	LayoutTask Layout = iota

	// LayoutWorkspace shares one shadow repository per workspace under
	// <storage>/checkpoints/<workspaceHash>; each task owns branch task-<taskID>.
	LayoutWorkspace
)

func (l Layout) String() string {
	switch l {
	case LayoutTask:
		return settings.LayoutTask
	case LayoutWorkspace:
		return settings.LayoutWorkspace
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout converts a settings layout name.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case settings.LayoutTask, "":
		return LayoutTask, nil
	case settings.LayoutWorkspace:
		return LayoutWorkspace, nil
	default:
		return 0, fmt.Errorf("invalid layout %q", s)
	}
}

// branchPrefix prefixes per-task branches in the workspace layout.
const branchPrefix = "task-"

// BranchName returns the workspace-layout branch owned by taskID.
func BranchName(taskID string) string {
	return branchPrefix + taskID
}

// ShadowDir returns the shadow repository root for the given layout.
func ShadowDir(storage, taskID, workspace string, layout Layout) string {
	if layout == LayoutWorkspace {
		return paths.WorkspaceShadowDir(storage, workspace)
	}
	return paths.TaskShadowDir(storage, taskID)
}

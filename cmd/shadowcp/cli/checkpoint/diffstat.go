package checkpoint

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// lineStats returns the number of lines added and removed going from
// before to after.
func lineStats(before, after string) (added, removed int) {
	if before == after {
		return 0, 0
	}
	if before == "" {
		return countLines(after), 0
	}
	if after == "" {
		return 0, countLines(before)
	}

	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		case diffmatchpatch.DiffEqual:
		}
	}
	return added, removed
}

// countLines counts lines; a trailing line without a newline counts.
func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

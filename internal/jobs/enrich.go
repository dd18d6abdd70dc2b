package jobs

import (
	"fmt"
	"strings"
)

// EnrichDescription prepends a rendered summary of the thread's last merged
// outcome to a new job description, giving the downstream job continuity
// without either side keeping session state.
func EnrichDescription(description string, prior Outcome) string {
	var b strings.Builder
	b.WriteString("Context from the previous job on this thread:\n")
	if prior.PRURL != "" {
		fmt.Fprintf(&b, "- Prior PR: %s\n", prior.PRURL)
	}
	fmt.Fprintf(&b, "- Status: %s (merge result: %s)\n", prior.Status, prior.MergeResult)
	if len(prior.ChangedFiles) > 0 {
		fmt.Fprintf(&b, "- Changed files: %s\n", strings.Join(prior.ChangedFiles, ", "))
	}
	if prior.LogSummary != "" {
		fmt.Fprintf(&b, "- Summary: %s\n", prior.LogSummary)
	}
	b.WriteString("\n")
	b.WriteString(description)
	return b.String()
}

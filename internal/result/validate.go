package result

import (
	"fmt"
	"strings"
)

// genericPhrases are low-information outputs a worker might emit without
// having done real work. A short output matching one of these fails
// validation.
var genericPhrases = []string{
	"task completed successfully",
	"task completed",
	"done",
	"completed",
	"success",
	"finished",
	"ok",
}

// shortOutputLimit is the length at or below which generic phrasing is
// treated as suspicious.
const shortOutputLimit = 200

// fileClaimMarkers are phrases that suggest the worker claims it touched
// the filesystem.
var fileClaimMarkers = []string{
	"created file", "creating file", "created the file",
	"modified file", "modifying file", "modified the file",
	"updated file", "wrote to", "written to", "saved to",
}

// Validate applies domain heuristics to the latest result of a task.
// Returns (ok, message).
func (s *Store) Validate(taskID string) (bool, string, error) {
	r, err := s.Latest(taskID)
	if err != nil {
		return false, "", err
	}
	if r == nil {
		return false, "no result recorded for task", nil
	}

	ok, msg := ValidateResult(r)
	if err := s.MarkValidated(taskID, ok); err != nil {
		return false, "", err
	}
	return ok, msg, nil
}

// ValidateResult applies the heuristics to a single result without
// touching the store.
func ValidateResult(r *WorkerResult) (bool, string) {
	if r.Status != StatusSuccess {
		return false, fmt.Sprintf("result status is %s, not success", r.Status)
	}

	trimmed := strings.TrimSpace(r.Output)
	if len(trimmed) <= shortOutputLimit {
		lowered := strings.ToLower(trimmed)
		for _, phrase := range genericPhrases {
			if lowered == phrase || strings.Contains(lowered, phrase) && len(lowered) < len(phrase)+40 {
				return false, "output is short and generic; no evidence of real work"
			}
		}
	}

	if claimsFileWork(r.Output) && len(r.CreatedFiles) == 0 && len(r.ModifiedFiles) == 0 {
		return false, "output claims file changes but no created or modified files were reported"
	}

	return true, "result passed validation"
}

func claimsFileWork(output string) bool {
	lowered := strings.ToLower(output)
	for _, marker := range fileClaimMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

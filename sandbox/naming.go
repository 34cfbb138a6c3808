package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// namePrefix marks every container this orchestrator creates, so stray
// containers can be identified after a crash.
const namePrefix = "conveyor"

// Docker container names allow [a-zA-Z0-9][a-zA-Z0-9_.-]*.
var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName returns the deterministic name for a one-shot step
// container.
func ContainerName(pipelineID, runID string, stepIndex int) string {
	return fmt.Sprintf("%s-%s-%s-%d",
		namePrefix, sanitizeName(pipelineID), sanitizeName(runID), stepIndex)
}

// PersistentContainerName returns the name of a run's shared long-lived
// container.
func PersistentContainerName(pipelineID, runID string) string {
	return fmt.Sprintf("%s-%s-%s-persistent",
		namePrefix, sanitizeName(pipelineID), sanitizeName(runID))
}

func sanitizeName(s string) string {
	s = invalidNameChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_.-")
	if s == "" {
		s = "x"
	}
	return s
}

package sandbox

import (
	"sort"
	"strings"
)

// internalEnvPrefix guards orchestrator-internal variables from leaking
// into step containers.
const internalEnvPrefix = "CONVEYOR_"

// deniedEnvVars are host runtime settings that must never reach a step.
var deniedEnvVars = map[string]struct{}{
	"DOCKER_HOST":        {},
	"DOCKER_TLS_VERIFY":  {},
	"DOCKER_CERT_PATH":   {},
	"DOCKER_API_VERSION": {},
}

// FilterEnv converts an environment map to Docker's KEY=VALUE slice,
// dropping orchestrator-internal and runtime variables. Keys are sorted
// so container configs are reproducible.
func FilterEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		if strings.HasPrefix(k, internalEnvPrefix) {
			continue
		}
		if _, denied := deniedEnvVars[k]; denied {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

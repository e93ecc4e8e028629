package orchestrator

import (
	"encoding/json"
	"strings"
)

// verdict is the structured pass/fail signal a build/test agent emits.
// Its absence is treated as failure (spec.md §9 Open Question:
// "Remediation success criterion ... is not precisely specified; leave
// it to the build/test agents to emit a structured pass/fail and treat
// absence as failure").
type verdict struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// passed scans output for a {"verdict":"pass"|"fail",...} JSON line and
// reports whether it signals success. No such line is a failure.
func passed(output string) (ok bool, reason string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var v verdict
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		if v.Verdict == "" {
			continue
		}
		return v.Verdict == "pass", v.Reason
	}
	return false, "no structured pass/fail verdict emitted"
}

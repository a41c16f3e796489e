package model

import (
	"regexp"
	"strings"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._/-]{0,63}$`)

// NormalizeCode trims and upper-cases a scanned work item code and rejects
// values that cannot have come from a label.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", NewInvalidArgument("work item code is empty")
	}
	if !codePattern.MatchString(code) {
		return "", NewInvalidArgument("work item code %q is not scannable", raw)
	}
	return code, nil
}

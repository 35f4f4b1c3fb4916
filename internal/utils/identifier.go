// services/hub/internal/utils/identifier.go
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^([A-Z]{2,3})-(\d+)$`)

// FormatIdentifier renders an identifier number such as HUB-0001.
// Numbers wider than width are printed in full, never truncated.
func FormatIdentifier(prefix string, n int64, width int) string {
	return fmt.Sprintf("%s-%0*d", prefix, width, n)
}

// ParseIdentifier splits an identifier number into its prefix and sequence value.
func ParseIdentifier(identifier string) (string, int64, error) {
	m := identifierPattern.FindStringSubmatch(strings.TrimSpace(identifier))
	if m == nil {
		return "", 0, fmt.Errorf("invalid identifier format: %s", identifier)
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid identifier sequence: %s", identifier)
	}
	return m[1], n, nil
}

// ValidIdentifier reports whether identifier is well formed and carries prefix.
func ValidIdentifier(identifier, prefix string) bool {
	p, _, err := ParseIdentifier(identifier)
	return err == nil && p == prefix
}

// HighestSequence returns the largest sequence value among identifiers with prefix.
// Identifiers that do not parse or carry another prefix are ignored.
func HighestSequence(identifiers []string, prefix string) int64 {
	var highest int64
	for _, id := range identifiers {
		p, n, err := ParseIdentifier(id)
		if err != nil || p != prefix {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest
}

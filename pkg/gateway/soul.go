package gateway

import (
	"regexp"
	"strings"
)

// Soul is the parsed form of an agent's SOUL.md: a short description, a
// normalized capability list, and the full text used as a role prompt.
type Soul struct {
	Description  string
	Capabilities []string
	RolePrompt   string
}

var (
	capsHeadingPattern = regexp.MustCompile(`(?i)^##\s+What You're Good At`)
	capCharPattern     = regexp.MustCompile(`[^a-z0-9 -]`)
	capSpacePattern    = regexp.MustCompile(`\s+`)
)

// ParseSoul extracts the description and capabilities from SOUL.md
// content. The description is the first non-empty, non-heading line
// between the first H1 and the next heading; capabilities are the bullets
// under the "What You're Good At" H2, normalized to lowercase hyphenated
// tags. The role prompt is the file verbatim. Parsing is deterministic for
// a fixed input.
func ParseSoul(content string) Soul {
	soul := Soul{RolePrompt: content}
	lines := strings.Split(content, "\n")

	sawH1 := false
	descOpen := false
	inCaps := false
	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "#") {
			inCaps = capsHeadingPattern.MatchString(line)
			if !sawH1 && strings.HasPrefix(line, "# ") {
				sawH1 = true
				descOpen = true
			} else {
				// Any heading after the H1 closes the description window.
				descOpen = false
			}
			continue
		}

		if inCaps {
			if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
				bullet := strings.TrimSpace(strings.TrimLeft(line, "-* "))
				if tag := normalizeCapability(bullet); tag != "" {
					soul.Capabilities = append(soul.Capabilities, tag)
				}
			}
			continue
		}

		if descOpen && soul.Description == "" && line != "" {
			soul.Description = line
		}
	}
	return soul
}

// normalizeCapability lowercases a bullet, strips everything but letters,
// digits, spaces and hyphens, and collapses spaces to hyphens.
func normalizeCapability(s string) string {
	s = strings.ToLower(s)
	s = capCharPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	return capSpacePattern.ReplaceAllString(s, "-")
}

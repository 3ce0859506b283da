package identify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/philhumber/vintner/internal/prompts"
	"github.com/philhumber/vintner/pkg/types"
)

// Constraints are the structured filters parsed from a free-text user
// clarification. They persist only within one request and bias the next
// escalation tier.
type Constraints struct {
	Country     string
	Region      string
	VintageFrom int
	VintageTo   int
}

var (
	countryRe      = regexp.MustCompile(`(?i)\bcountry\s*(?:must be|is|:)\s*:?\s*([A-Za-zÀ-ÿ' -]+)`)
	regionRe       = regexp.MustCompile(`(?i)\bregion\s*(?:must be|is|:)\s*([A-Za-zÀ-ÿ' -]+)`)
	fromRe         = regexp.MustCompile(`(?i)\b(?:it's|its|it is)\s+from\s+([A-Za-zÀ-ÿ' -]+)`)
	vintageRangeRe = regexp.MustCompile(`(?i)\bvintage\s*(?:range|between)?\s*:?\s*(\d{4})\s*(?:-|–|to|and)\s*(\d{4})`)
	vintageOneRe   = regexp.MustCompile(`(?i)\bvintage\s*(?:must be|is|:)\s*(\d{4})\b`)
)

// ParseConstraints extracts structured constraints from a free-text
// clarification. Unrecognised text contributes nothing; parsing never fails.
func ParseConstraints(text string) Constraints {
	var c Constraints
	if m := countryRe.FindStringSubmatch(text); m != nil {
		c.Country = strings.TrimSpace(m[1])
	} else if m := fromRe.FindStringSubmatch(text); m != nil {
		c.Country = strings.TrimSpace(m[1])
	}
	if m := regionRe.FindStringSubmatch(text); m != nil {
		c.Region = strings.TrimSpace(m[1])
	}
	if m := vintageRangeRe.FindStringSubmatch(text); m != nil {
		c.VintageFrom, _ = strconv.Atoi(m[1])
		c.VintageTo, _ = strconv.Atoi(m[2])
		if c.VintageFrom > c.VintageTo {
			c.VintageFrom, c.VintageTo = c.VintageTo, c.VintageFrom
		}
	} else if m := vintageOneRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		c.VintageFrom, c.VintageTo = y, y
	}
	return c
}

// render lists the constraints as prompt lines.
func (c Constraints) render() []string {
	var out []string
	if c.Country != "" {
		out = append(out, "Country must be: "+c.Country)
	}
	if c.Region != "" {
		out = append(out, "Region must be: "+c.Region)
	}
	switch {
	case c.VintageFrom != 0 && c.VintageFrom == c.VintageTo:
		out = append(out, fmt.Sprintf("Vintage must be: %d", c.VintageFrom))
	case c.VintageFrom != 0:
		out = append(out, fmt.Sprintf("Vintage range: %d–%d", c.VintageFrom, c.VintageTo))
	}
	return out
}

// priorContext renders the previous tier's result plus locked fields and
// constraints for the next tier's prompt.
func priorContext(prev types.Identification, locked map[string]string, constraints Constraints) string {
	return prompts.PriorContext(
		prev.Producer, prev.WineName, prev.Region, prev.Confidence,
		locked, constraints.render(),
	)
}

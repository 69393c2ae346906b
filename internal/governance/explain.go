package governance

import (
	"fmt"
	"strconv"
	"strings"
)

const cleanExplanation = "No integrity risks were detected. The session appears consistent with a live human presence."

// Explain renders the decision as a fixed sentence template. The same
// flags and score always produce the same text.
func Explain(flags []Flag, trustScore float64) string {
	if len(flags) == 0 {
		return cleanExplanation
	}

	severity := "low"
	switch {
	case trustScore < 40:
		severity = "high"
	case trustScore < 70:
		severity = "medium"
	}

	reasons := make([]string, len(flags))
	for i, f := range flags {
		reasons[i] = string(f)
	}

	return fmt.Sprintf(
		"The session was classified as %s risk with a trust score of %s. "+
			"The following governance signals contributed to this decision: %s. "+
			"These indicators may suggest non-live, manipulated, or automated input.",
		severity, formatScore(trustScore), strings.Join(reasons, ", "),
	)
}

// formatScore always keeps a decimal point, so 85 renders as "85.0".
func formatScore(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}

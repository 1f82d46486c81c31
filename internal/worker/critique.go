package worker

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"swarmcore/internal/board"
)

// fencedYAMLPattern extracts a ```yaml fenced block if the reviewer wrapped
// its verdict in one; otherwise the whole response is parsed as-is.
var fencedYAMLPattern = regexp.MustCompile("(?s)```(?:yaml)?\\n(.*?)```")

type critiqueDoc struct {
	Accuracy     int      `yaml:"accuracy"`
	Completeness int      `yaml:"completeness"`
	Technical    int      `yaml:"technical"`
	Calibration  int      `yaml:"calibration"`
	Efficiency   int      `yaml:"efficiency"`
	Verdict      string   `yaml:"verdict"`
	Items        []string `yaml:"items,omitempty"`
	Confidence   float64  `yaml:"confidence,omitempty"`
}

// parseCritique parses a reviewer's model response into the board's
// structured Critique, per the five weighted dimensions in §3.2.
func parseCritique(raw string) (board.Critique, error) {
	body := raw
	if m := fencedYAMLPattern.FindStringSubmatch(raw); m != nil {
		body = m[1]
	}
	var doc critiqueDoc
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return board.Critique{}, fmt.Errorf("parse critique response: %w", err)
	}
	return board.Critique{
		Accuracy:     doc.Accuracy,
		Completeness: doc.Completeness,
		Technical:    doc.Technical,
		Calibration:  doc.Calibration,
		Efficiency:   doc.Efficiency,
		Verdict:      board.Verdict(strings.ToUpper(strings.TrimSpace(doc.Verdict))),
		Items:        doc.Items,
		Confidence:   doc.Confidence,
	}, nil
}

// critiquePrompt builds the reviewer's system-less instruction from a
// critique_request mailbox payload.
func critiquePrompt(taskID, description, result string) string {
	return fmt.Sprintf(
		"Review the following completed work and return a YAML verdict with "+
			"accuracy, completeness, technical, calibration, efficiency (1-10 each), "+
			"verdict (LGTM or NEEDS_WORK), and items (required when any dimension is below 5).\n\n"+
			"Task %s:\n%s\n\nResult:\n%s\n", taskID, description, result)
}

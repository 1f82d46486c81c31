// Package subtask parses Planner output into SubTaskSpecs and maintains the
// parent→children registry the Orchestrator uses for close-out synthesis.
package subtask

import (
	"bufio"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"swarmcore/internal/board"
)

// OutputFormat is the requested shape of a sub-task's result.
type OutputFormat string

const (
	FormatText          OutputFormat = "text"
	FormatMarkdownTable OutputFormat = "markdown_table"
	FormatJSON          OutputFormat = "json"
	FormatCode          OutputFormat = "code"
	FormatFile          OutputFormat = "file"
)

// A2AHint carries optional external-delegation metadata.
type A2AHint struct {
	Agent string `yaml:"agent,omitempty"`
	Note  string `yaml:"note,omitempty"`
}

// Spec is the structured ticket the Planner produces and the Executor
// consumes, serializable to/from a task's description field (§3.3).
type Spec struct {
	Objective    string           `yaml:"objective"`
	Constraints  []string         `yaml:"constraints,omitempty"`
	Input        map[string]any   `yaml:"input,omitempty"`
	OutputFormat OutputFormat     `yaml:"output_format,omitempty"`
	ToolHint     []string         `yaml:"tool_hint,omitempty"`
	Complexity   board.Complexity `yaml:"complexity,omitempty"`
	ParentIntent string           `yaml:"parent_intent,omitempty"`
	A2AHint      *A2AHint         `yaml:"a2a_hint,omitempty"`
}

// Serialize renders s as the YAML document stored in a task's description.
func Serialize(s Spec) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("serialize subtask spec: %w", err)
	}
	return string(data), nil
}

// ParseModern parses a single modern YAML SubTaskSpec block.
func ParseModern(raw string) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse subtask spec: %w", err)
	}
	if strings.TrimSpace(s.Objective) == "" {
		return nil, fmt.Errorf("parse subtask spec: missing objective")
	}
	return &s, nil
}

// ParseLegacy parses the legacy line-oriented "TASK: / COMPLEXITY:" format,
// one spec per contiguous TASK block.
//
//	TASK: implement the parser
//	COMPLEXITY: normal
//	CONSTRAINTS: must not allocate, keep under 200 lines
func ParseLegacy(raw string) ([]Spec, error) {
	var specs []Spec
	var cur *Spec

	flush := func() {
		if cur != nil && strings.TrimSpace(cur.Objective) != "" {
			specs = append(specs, *cur)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "TASK:"):
			flush()
			cur = &Spec{Objective: strings.TrimSpace(strings.TrimPrefix(line, "TASK:"))}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "COMPLEXITY:"):
			cur.Complexity = board.Complexity(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "COMPLEXITY:"))))
		case strings.HasPrefix(line, "CONSTRAINTS:"):
			body := strings.TrimSpace(strings.TrimPrefix(line, "CONSTRAINTS:"))
			for _, c := range strings.Split(body, ",") {
				if c = strings.TrimSpace(c); c != "" {
					cur.Constraints = append(cur.Constraints, c)
				}
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse legacy subtask block: %w", err)
	}
	return specs, nil
}

// maxSubtasks caps how many sub-tasks a single Planner output may produce,
// per §4.7: excess are merged into a MERGE_NOTE on the first retained spec.
const maxSubtasks = 3

// ExtractResult is the outcome of Extract: the retained specs plus an
// optional merge note to attach to the first one.
type ExtractResult struct {
	Specs     []Spec
	MergeNote string
}

// Extract parses Planner output (first as one modern YAML spec, falling
// back to the legacy format) and caps the result at maxSubtasks.
func Extract(plannerOutput string) (*ExtractResult, error) {
	var all []Spec

	if s, err := ParseModern(plannerOutput); err == nil {
		all = append(all, *s)
	} else if legacy, lerr := ParseLegacy(plannerOutput); lerr == nil && len(legacy) > 0 {
		all = append(all, legacy...)
	} else {
		return nil, fmt.Errorf("extract subtasks: no parseable spec found")
	}

	if len(all) <= maxSubtasks {
		return &ExtractResult{Specs: all}, nil
	}

	kept := all[:maxSubtasks]
	dropped := len(all) - maxSubtasks
	note := fmt.Sprintf("MERGE_NOTE: %d additional sub-task(s) were merged into this one due to the 3-task cap", dropped)
	return &ExtractResult{Specs: kept, MergeNote: note}, nil
}

// InferRole infers required_role from keywords in the objective, per §4.7:
// review/audit/verify maps to review, else implement.
func InferRole(objective string) string {
	lower := strings.ToLower(objective)
	for _, kw := range []string{"review", "audit", "verify"} {
		if strings.Contains(lower, kw) {
			return "review"
		}
	}
	return "implement"
}

package subtask

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcore/internal/board"
)

func TestSerializeParseModern_RoundTrip(t *testing.T) {
	s := Spec{
		Objective:    "implement the parser",
		Constraints:  []string{"no allocations"},
		OutputFormat: FormatCode,
		Complexity:   board.ComplexityNormal,
		ParentIntent: "write a tokenizer",
	}

	raw, err := Serialize(s)
	require.NoError(t, err)

	got, err := ParseModern(raw)
	require.NoError(t, err)
	assert.Equal(t, s.Objective, got.Objective)
	assert.Equal(t, s.Constraints, got.Constraints)
	assert.Equal(t, s.OutputFormat, got.OutputFormat)
	assert.Equal(t, s.Complexity, got.Complexity)
}

func TestParseModern_RejectsMissingObjective(t *testing.T) {
	_, err := ParseModern("constraints:\n  - foo\n")
	require.Error(t, err)
}

func TestParseLegacy_ParsesMultipleBlocks(t *testing.T) {
	raw := `TASK: implement the parser
COMPLEXITY: normal
CONSTRAINTS: no allocations, keep it simple

TASK: review the parser
COMPLEXITY: simple
`
	specs, err := ParseLegacy(raw)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "implement the parser", specs[0].Objective)
	assert.Equal(t, board.ComplexityNormal, specs[0].Complexity)
	assert.Equal(t, []string{"no allocations", "keep it simple"}, specs[0].Constraints)
	assert.Equal(t, "review the parser", specs[1].Objective)
}

func TestExtract_CapsAtThreeAndRecordsMergeNote(t *testing.T) {
	raw := `TASK: one
TASK: two
TASK: three
TASK: four
TASK: five
`
	result, err := Extract(raw)
	require.NoError(t, err)
	require.Len(t, result.Specs, 3)
	assert.NotEmpty(t, result.MergeNote)
	assert.Contains(t, result.MergeNote, "2 additional")
}

func TestExtract_NoMergeNoteWhenWithinCap(t *testing.T) {
	raw := "TASK: only one\n"
	result, err := Extract(raw)
	require.NoError(t, err)
	require.Len(t, result.Specs, 1)
	assert.Empty(t, result.MergeNote)
}

func TestInferRole_ReviewKeywordsMapToReview(t *testing.T) {
	assert.Equal(t, "review", InferRole("Review the pull request for correctness"))
	assert.Equal(t, "review", InferRole("Audit the access logs"))
	assert.Equal(t, "implement", InferRole("Build the REST endpoint"))
}

func TestRegistry_RegisterAndChildrenOf(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "subtasks.json"))
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "parent-1", []string{"child-1", "child-2"}))
	require.NoError(t, reg.Register(ctx, "parent-1", []string{"child-3"}))

	children, err := reg.ChildrenOf(ctx, "parent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"child-1", "child-2", "child-3"}, children)

	missing, err := reg.ChildrenOf(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_EmptyAndWhitespaceAreDirectAnswer(t *testing.T) {
	assert.Equal(t, DirectAnswer, Classify(""))
	assert.Equal(t, DirectAnswer, Classify("   "))
	assert.Equal(t, DirectAnswer, Classify("hi"))
}

func TestClassify_MultiStepMarkerForcesPipeline(t *testing.T) {
	assert.Equal(t, Pipeline, Classify("First, set up the project. Then write the tests and then run them."))
	assert.Equal(t, Pipeline, Classify("请先创建目录，然后写入文件"))
}

func TestClassify_ActionSignalForcesPipeline(t *testing.T) {
	assert.Equal(t, Pipeline, Classify("Write a Python script that prints numbers"))
	assert.Equal(t, Pipeline, Classify("Please deploy the latest build to staging"))
}

func TestClassify_QuestionSignalIsDirectAnswer(t *testing.T) {
	assert.Equal(t, DirectAnswer, Classify("What is TCP?"))
	assert.Equal(t, DirectAnswer, Classify("Explain how garbage collection works in Go"))
}

func TestClassify_ShortQuestionMarkIsDirectAnswer(t *testing.T) {
	assert.Equal(t, DirectAnswer, Classify("Is this thing on?"))
}

func TestClassify_LongQuestionMarkFallsThroughToDefault(t *testing.T) {
	long := "Given everything we discussed about the architecture, the data model, and the rollout schedule, does this still make sense to you?"
	assert.Equal(t, Pipeline, Classify(long))
}

func TestClassify_ConservativeDefaultIsPipeline(t *testing.T) {
	assert.Equal(t, Pipeline, Classify("The quarterly numbers look interesting this time around"))
}

func TestClassify_ActionSignalTakesPrecedenceOverQuestionSignal(t *testing.T) {
	// Rule 3 (action) is evaluated before rule 4 (question); an action verb
	// combined with a question phrase still routes to Pipeline.
	assert.Equal(t, Pipeline, Classify("What is the best way to run this migration script across all shards?"))
}

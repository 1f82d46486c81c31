// Package router implements the Task Router (C6): a pure, deterministic
// classifier deciding whether user input should be answered directly or
// routed through the Planner → Executor → Reviewer pipeline.
package router

import "strings"

// Route is the routing decision.
type Route string

const (
	DirectAnswer Route = "direct_answer"
	Pipeline     Route = "pipeline"
)

// multiStepMarkers are localized equivalents of "step 1", "first ... then".
var multiStepMarkers = []string{
	"step 1", "step one", "first,", "first then", "and then",
	"然后", "并且", "同时", "首先", "接着",
}

// actionSignals are the tool-need verbs whose presence implies work beyond a
// single direct answer.
var actionSignals = []string{
	"write", "create", "run", "execute", "search", "download",
	"analyse", "analyze", "screenshot", "deploy",
	"写", "创建", "运行", "执行", "搜索", "下载", "分析", "截图", "部署",
}

// questionSignals are phrases that typically precede a single factual
// answer rather than multi-step work.
var questionSignals = []string{
	"what is", "explain", "define", "describe", "how does", "why does",
	"什么是", "为什么", "怎么", "解释",
}

// Classify applies the ordered rules from §4.6 and returns the route.
func Classify(input string) Route {
	trimmed := strings.TrimSpace(input)

	// Rule 1: very short input is answered directly.
	if runeLen(trimmed) < 5 {
		return DirectAnswer
	}

	lower := strings.ToLower(trimmed)

	// Rule 2: multi-step markers force the pipeline.
	if containsAny(lower, multiStepMarkers) {
		return Pipeline
	}

	// Rule 3: action/tool-need signals force the pipeline.
	if containsAny(lower, actionSignals) {
		return Pipeline
	}

	// Rule 4: question signals favor a direct answer.
	if containsAny(lower, questionSignals) {
		return DirectAnswer
	}

	// Rule 5: a short question mark suffix favors a direct answer.
	if (strings.Contains(trimmed, "?") || strings.Contains(trimmed, "？")) && runeLen(trimmed) < 50 {
		return DirectAnswer
	}

	// Rule 6: conservative default.
	return Pipeline
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func runeLen(s string) int {
	return len([]rune(s))
}

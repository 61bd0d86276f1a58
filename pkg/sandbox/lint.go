package sandbox

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Lint validates a script without executing it: size bound, syntax, and
// the helpers.trace nesting bound. Stores call this before persisting a
// script or a tuple condition.
func Lint(script string) error {
	if len(script) > MaxScriptSize {
		return fmt.Errorf("script size %d exceeds limit %d", len(script), MaxScriptSize)
	}
	if _, err := goja.Compile("lint", wrapScript(script), true); err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	if depth := traceNestingDepth(script); depth > maxTraceDepth {
		return fmt.Errorf("helpers.trace nesting depth %d exceeds limit %d", depth, maxTraceDepth)
	}
	return nil
}

// traceNestingDepth estimates the maximum lexical nesting of
// helpers.trace calls. It tracks the parenthesis depth at which each
// trace call opens and pops frames as those parens close.
func traceNestingDepth(script string) int {
	const marker = "helpers.trace"

	var openFrames []int // paren depth of each enclosing trace call
	parens := 0
	maxDepth := 0

	for i := 0; i < len(script); i++ {
		if strings.HasPrefix(script[i:], marker) {
			j := i + len(marker)
			for j < len(script) && (script[j] == ' ' || script[j] == '\t') {
				j++
			}
			if j < len(script) && script[j] == '(' {
				openFrames = append(openFrames, parens)
				if len(openFrames) > maxDepth {
					maxDepth = len(openFrames)
				}
				parens++
				i = j
				continue
			}
		}
		switch script[i] {
		case '(':
			parens++
		case ')':
			parens--
			for len(openFrames) > 0 && openFrames[len(openFrames)-1] >= parens {
				openFrames = openFrames[:len(openFrames)-1]
			}
		}
	}
	return maxDepth
}

package sandbox_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/authcore-labs/authcore/pkg/sandbox"
)

func TestLint_ValidScript(t *testing.T) {
	assert.NoError(t, sandbox.Lint(`return context.user.role === "admin";`))
}

func TestLint_SyntaxError(t *testing.T) {
	assert.Error(t, sandbox.Lint(`return {{{`))
}

func TestLint_TooLarge(t *testing.T) {
	assert.Error(t, sandbox.Lint("// "+strings.Repeat("x", sandbox.MaxScriptSize)))
}

func TestLint_TraceNesting(t *testing.T) {
	ok := `
		return helpers.trace("outer", function() {
			return helpers.trace("inner", function() { return true; });
		});`
	assert.NoError(t, sandbox.Lint(ok))

	tooDeep := `
		return helpers.trace("a", function() {
			return helpers.trace("b", function() {
				return helpers.trace("c", function() { return true; });
			});
		});`
	assert.Error(t, sandbox.Lint(tooDeep))
}

func TestLint_SequentialTracesAllowed(t *testing.T) {
	script := `
		helpers.trace("one", function() { return 1; });
		helpers.trace("two", function() { return 2; });
		return true;`
	assert.NoError(t, sandbox.Lint(script))
}

package mockagent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nekocode/agent-team/acp"
)

func TestPromptTextFlattensBlocks(t *testing.T) {
	blocks := []acp.ContentBlock{
		acp.TextBlock("check this"),
		acp.ResourceBlock("file:///tmp/a.go", "package a"),
		{Type: "text", Text: "   "},
		acp.TextBlock("thanks"),
	}
	text := promptText(blocks)
	assert.Contains(t, text, "check this")
	assert.Contains(t, text, "--- file:///tmp/a.go ---")
	assert.Contains(t, text, "package a")
	assert.Contains(t, text, "thanks")
}

func TestPromptTextIgnoresUnknownBlocks(t *testing.T) {
	blocks := []acp.ContentBlock{
		{Type: "image"},
		acp.TextBlock("hello"),
	}
	assert.Equal(t, "hello", promptText(blocks))
}

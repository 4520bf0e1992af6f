package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitThinking(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		content  string
		thinking string
	}{
		{
			name:     "no tags",
			input:    "plain answer",
			content:  "plain answer",
			thinking: "",
		},
		{
			name:     "leading think block",
			input:    "<think>reasoning here</think>The answer is 4.",
			content:  "The answer is 4.",
			thinking: "reasoning here",
		},
		{
			name:     "thinking is trimmed",
			input:    "<think>\n  step 1\n  step 2\n</think>done",
			content:  "done",
			thinking: "step 1\n  step 2",
		},
		{
			name:     "multiline content spans newlines",
			input:    "<think>a\nb\nc</think>result",
			content:  "result",
			thinking: "a\nb\nc",
		},
		{
			name:     "only first span is extracted",
			input:    "<think>one</think>mid<think>two</think>end",
			content:  "mid<think>two</think>end",
			thinking: "one",
		},
		{
			name:     "unclosed tag left alone",
			input:    "<think>never closed",
			content:  "<think>never closed",
			thinking: "",
		},
		{
			name:     "empty input",
			input:    "",
			content:  "",
			thinking: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, thinking := SplitThinking(tt.input)
			assert.Equal(t, tt.content, content)
			assert.Equal(t, tt.thinking, thinking)
		})
	}
}

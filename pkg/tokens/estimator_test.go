package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-go-golems/pocketllm/pkg/conversation"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("a"))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 2, Estimate("abcde"))
	assert.Equal(t, 2, Estimate("abcdefgh"))
}

func TestEstimateIsDeterministic(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, Estimate(text), Estimate(text))
}

func TestEstimateMessagesAddsPerMessageOverhead(t *testing.T) {
	msgs := []*conversation.Message{
		conversation.NewMessage("c", conversation.RoleUser, "abcd"),
		conversation.NewMessage("c", conversation.RoleAssistant, "abcde"),
	}

	// 1 + 2 content tokens plus overhead per message.
	assert.Equal(t, 3+2*PerMessageOverhead, EstimateMessages(msgs))
}

func TestEstimateMessagesEmpty(t *testing.T) {
	assert.Equal(t, 0, EstimateMessages(nil))
}

package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func TestBuildSystemPrompt_InstructionOnly(t *testing.T) {
	got := BuildSystemPrompt(schema.AINodeConfig{Instruction: "Qualify the lead."})

	assert.True(t, strings.HasPrefix(got, "Qualify the lead."))
	assert.Contains(t, got, "single JSON object")
	assert.NotContains(t, got, "meta.handoff", "handoff contract only when enabled")
}

func TestBuildSystemPrompt_ExtractFields(t *testing.T) {
	got := BuildSystemPrompt(schema.AINodeConfig{
		Instruction:   "Qualify the lead.",
		ExtractFields: []string{"city", "budget", "move_date"},
	})

	assert.Contains(t, got, "city, budget, move_date")
	assert.Contains(t, got, "analyze.updates")
}

func TestBuildSystemPrompt_ReplyStyle(t *testing.T) {
	got := BuildSystemPrompt(schema.AINodeConfig{
		Instruction: "Answer questions.",
		ReplyStyle:  "short, friendly, no emojis",
	})

	assert.Contains(t, got, "Reply style: short, friendly, no emojis")
}

func TestBuildSystemPrompt_HandoffContract(t *testing.T) {
	got := BuildSystemPrompt(schema.AINodeConfig{
		Instruction: "Qualify the lead.",
		Handoff:     &schema.HandoffConfig{Enabled: true, Threshold: 0.6},
	})

	assert.Contains(t, got, `"analyze"`)
	assert.Contains(t, got, `"reply"`)
	assert.Contains(t, got, `"handoff"`)
	assert.Contains(t, got, "meta.handoff.triggered")
}

func TestBuildSystemPrompt_AllBlocksOrdered(t *testing.T) {
	got := BuildSystemPrompt(schema.AINodeConfig{
		Instruction:   "Qualify the lead.",
		ExtractFields: []string{"city"},
		ReplyStyle:    "formal",
		Handoff:       &schema.HandoffConfig{Enabled: true},
	})

	iInstr := strings.Index(got, "Qualify the lead.")
	iFields := strings.Index(got, "Extract the following fields")
	iStyle := strings.Index(got, "Reply style:")
	iContract := strings.Index(got, "exactly this shape")
	assert.True(t, iInstr < iFields && iFields < iStyle && iStyle < iContract,
		"blocks keep instruction, fields, style, contract order")
}

func TestBuildUserPrompt_NoHistory(t *testing.T) {
	got := BuildUserPrompt("Customer says: hola", nil)
	assert.Equal(t, "Customer says: hola", got)
}

func TestBuildUserPrompt_WithHistory(t *testing.T) {
	history := []HistoryEntry{
		{Direction: "in", Body: "hola, busco apartamento"},
		{Direction: "out", Body: "Claro, en que ciudad?"},
		{Direction: "in", Body: "Bogota"},
	}
	got := BuildUserPrompt("Customer says: presupuesto 1500", history)

	assert.Contains(t, got, "Recent conversation:")
	assert.Contains(t, got, "Customer: hola, busco apartamento")
	assert.Contains(t, got, "Assistant: Claro, en que ciudad?")
	assert.True(t, strings.HasSuffix(got, "Customer says: presupuesto 1500"))

	// History precedes the current message.
	assert.Less(t, strings.Index(got, "Bogota"), strings.Index(got, "presupuesto"))
}

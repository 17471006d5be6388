package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCompleter returns a canned response, recording the prompts it saw.
type stubCompleter struct {
	response string
	err      error
	system   string
	user     string
	calls    int
}

func (s *stubCompleter) Complete(_ context.Context, system, user string, _ Params) (string, error) {
	s.calls++
	s.system = system
	s.user = user
	return s.response, s.err
}

const wellFormed = `{
  "analyze": {"updates": {"city": "Bogota"}, "confidence": 0.9, "reason": "mentioned city"},
  "reply": {"reply_text": "Perfecto, registrado."},
  "meta": {"handoff": {"triggered": false, "confidence": 0.9, "reason": ""}}
}`

func TestParseOrRepair_Direct(t *testing.T) {
	stub := &stubCompleter{}
	out := ParseOrRepair(context.Background(), stub, wellFormed, Params{})

	assert.Equal(t, ProfileDirect, out.UsedProfile)
	assert.Equal(t, 0, stub.calls, "no reformat call needed")
	assert.Equal(t, "Bogota", out.Updates()["city"])
	assert.InDelta(t, 0.9, out.Confidence(), 0.001)
	assert.Equal(t, "Perfecto, registrado.", out.ReplyText())

	triggered, conf, _ := out.Handoff()
	assert.False(t, triggered)
	assert.InDelta(t, 0.9, conf, 0.001)
}

func TestParseOrRepair_FencedBlock(t *testing.T) {
	raw := "Sure! Here is the result:\n```json\n" + wellFormed + "\n```\nLet me know if you need anything else."
	out := ParseOrRepair(context.Background(), &stubCompleter{}, raw, Params{})

	assert.Equal(t, ProfileRepaired, out.UsedProfile)
	assert.Equal(t, "Bogota", out.Updates()["city"])
	assert.Equal(t, raw, out.Raw)
}

func TestParseOrRepair_ProseAroundObject(t *testing.T) {
	raw := `The analysis follows. {"analyze":{"updates":{},"confidence":0.5,"reason":"ok"}} Hope that helps!`
	out := ParseOrRepair(context.Background(), &stubCompleter{}, raw, Params{})

	assert.Equal(t, ProfileRepaired, out.UsedProfile)
	assert.InDelta(t, 0.5, out.Confidence(), 0.001)
}

func TestParseOrRepair_TrailingCommas(t *testing.T) {
	raw := `{"analyze": {"updates": {"budget": 1500,}, "confidence": 0.8,}, "reply": {"reply_text": "ok",},}`
	out := ParseOrRepair(context.Background(), &stubCompleter{}, raw, Params{})

	assert.Equal(t, ProfileRepaired, out.UsedProfile)
	assert.Equal(t, float64(1500), out.Updates()["budget"])
	assert.Equal(t, "ok", out.ReplyText())
}

func TestParseOrRepair_ReformatRoundTrip(t *testing.T) {
	stub := &stubCompleter{response: wellFormed}
	raw := "confidence is high, city is Bogota, nothing else to report"
	out := ParseOrRepair(context.Background(), stub, raw, Params{})

	assert.Equal(t, ProfileReformatted, out.UsedProfile)
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, raw, stub.user, "original output is handed to the reformat call")
	assert.Equal(t, "Bogota", out.Updates()["city"])
}

func TestParseOrRepair_FallbackNeverRaises(t *testing.T) {
	stub := &stubCompleter{err: errors.New("model down")}
	out := ParseOrRepair(context.Background(), stub, "not json at all", Params{})

	require.NotNil(t, out)
	assert.Equal(t, ProfileFallback, out.UsedProfile)
	assert.Equal(t, 0.0, out.Confidence())
	assert.NotEmpty(t, out.ReplyText())

	triggered, _, _ := out.Handoff()
	assert.False(t, triggered)
}

func TestParseOrRepair_NilCompleterSkipsReformat(t *testing.T) {
	out := ParseOrRepair(context.Background(), nil, "still not json", Params{})
	assert.Equal(t, ProfileFallback, out.UsedProfile)
}

func TestParseOrRepair_ReformatStillBroken(t *testing.T) {
	stub := &stubCompleter{response: "I cannot produce JSON right now"}
	out := ParseOrRepair(context.Background(), stub, "garbage", Params{})
	assert.Equal(t, ProfileFallback, out.UsedProfile)
}

// --- normalization ---

func TestNormalize_FlatObjectHoistsKnownKeys(t *testing.T) {
	raw := `{"reply_text": "Hola Ana", "confidence": 0.7, "city": "Bogota", "intent": "purchase"}`
	out := ParseOrRepair(context.Background(), nil, raw, Params{})

	assert.Equal(t, ProfileDirect, out.UsedProfile)
	assert.Equal(t, "Hola Ana", out.ReplyText())
	assert.InDelta(t, 0.7, out.Confidence(), 0.001)
	assert.Equal(t, "Bogota", out.Updates()["city"])
	assert.Equal(t, "purchase", out.Updates()["intent"])
	_, hasReply := out.Updates()["reply_text"]
	assert.False(t, hasReply, "hoisted keys do not leak into updates")
}

func TestNormalize_FlatUpdatesObjectMerged(t *testing.T) {
	raw := `{"updates": {"status": "vip"}, "confidence": 1}`
	out := ParseOrRepair(context.Background(), nil, raw, Params{})

	assert.Equal(t, "vip", out.Updates()["status"])
	assert.InDelta(t, 1.0, out.Confidence(), 0.001)
}

func TestOutcome_NilSafeAccessors(t *testing.T) {
	var out *Outcome
	assert.Equal(t, 0.0, out.Confidence())
	assert.Nil(t, out.Updates())
	assert.Equal(t, "", out.ReplyText())
	triggered, conf, reason := out.Handoff()
	assert.False(t, triggered)
	assert.Equal(t, 0.0, conf)
	assert.Equal(t, "", reason)
}

func TestSafeDefault_Shape(t *testing.T) {
	out := SafeDefault("nothing parseable")

	assert.Equal(t, ProfileFallback, out.UsedProfile)
	assert.Equal(t, 0.0, out.Analyze["confidence"])
	assert.Equal(t, "nothing parseable", out.Analyze["reason"])
	assert.NotNil(t, out.Updates())
	assert.Empty(t, out.Updates())
	assert.NotEmpty(t, out.ReplyText())
}

package processors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func newSendProcessor(deps Deps) (*SendMessage, *[]time.Duration) {
	p := NewSendMessage(deps)
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func whatsappInput(config string) Input {
	return testInput(schema.Node{
		ID:     "send",
		Type:   schema.NodeSendMessage,
		Config: rawConfig(config),
	}, schema.TriggerPayload{
		schema.KeyChannel: schema.ChannelWhatsApp,
		schema.KeyPhone:   "+34600111222",
	})
}

func TestSendMessageSmartModeMirrorsTrigger(t *testing.T) {
	deps, s, gw := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	in := whatsappInput(`{"body":"Hola!"}`)
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["sent"])
	assert.Equal(t, schema.ChannelWhatsApp, res.Output["channel"])

	sent := gw.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hola!", sent[0].Body)
	assert.Equal(t, "+34600111222", gw.dests[0].Phone)

	msgs, err := s.ListMessages(context.Background(), store.MessageFilter{TenantID: "tenant-1", Direction: "out"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sent", msgs[0].Status)
	assert.NotEmpty(t, msgs[0].BodyHash)
	assert.Equal(t, "prov-1", msgs[0].ProviderID)
}

func TestSendMessageConsumesPendingTemplateOutput(t *testing.T) {
	deps, _, gw := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	in := whatsappInput(`{}`)
	in.Context.SetPendingMessages([]string{"uno", "dos"}, nil)

	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["sent"])
	require.Len(t, gw.sentMessages(), 2)
}

func TestSendMessageDeduplicatesIdenticalBody(t *testing.T) {
	deps, s, gw := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	first := whatsappInput(`{"body":"misma oferta"}`)
	first.Context.SetContact(&store.Contact{ID: "c-1", TenantID: "tenant-1", Phone: "+34600111222"})
	_, err := p.Process(context.Background(), first)
	require.NoError(t, err)

	second := whatsappInput(`{"body":"misma oferta"}`)
	second.Context.SetContact(&store.Contact{ID: "c-1", TenantID: "tenant-1", Phone: "+34600111222"})
	res, err := p.Process(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Output["sent"])
	assert.Equal(t, 1, res.Output["deduplicated"])
	assert.Len(t, gw.sentMessages(), 1, "the duplicate never reaches the gateway")

	msgs, err := s.ListMessages(context.Background(), store.MessageFilter{TenantID: "tenant-1", Direction: "out"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "one stored row for the pair")
}

func TestSendMessageDedupWindowExpires(t *testing.T) {
	deps, _, gw := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	first := whatsappInput(`{"body":"hola","dedup_window_seconds":60}`)
	first.Context.SetContact(&store.Contact{ID: "c-1", TenantID: "tenant-1"})
	_, err := p.Process(context.Background(), first)
	require.NoError(t, err)

	// Second run looks back with a clock far in the future, so the first
	// row falls outside the window.
	second := whatsappInput(`{"body":"hola","dedup_window_seconds":60}`)
	second.Context.SetContact(&store.Contact{ID: "c-1", TenantID: "tenant-1"})
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	res, err := p.Process(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["sent"])
	assert.Len(t, gw.sentMessages(), 2)
}

func TestSendMessageRetriesWithBackoffThenSucceeds(t *testing.T) {
	deps, _, gw := newTestDeps(t)
	gw.failN = 2
	p, slept := newSendProcessor(deps)

	in := whatsappInput(`{"body":"x","retry":{"max":3,"backoff":"exponential","delay":"1s"}}`)
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["sent"])

	// One pacing pause is possible; the backoff pauses must grow.
	var backoffs []time.Duration
	for _, d := range *slept {
		if d >= time.Second {
			backoffs = append(backoffs, d)
		}
	}
	require.Len(t, backoffs, 2)
	assert.Equal(t, time.Second, backoffs[0])
	assert.Equal(t, 2*time.Second, backoffs[1])
}

func TestSendMessageRetryExhaustion(t *testing.T) {
	deps, s, gw := newTestDeps(t)
	gw.failN = 10
	p, _ := newSendProcessor(deps)

	in := whatsappInput(`{"body":"x","retry":{"max":1,"backoff":"constant","delay":"1s"}}`)
	_, err := p.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRetryExhausted, schema.ErrorCode(err))

	msgs, lerr := s.ListMessages(context.Background(), store.MessageFilter{TenantID: "tenant-1", Direction: "out"})
	require.NoError(t, lerr)
	require.Len(t, msgs, 1)
	assert.Equal(t, "failed", msgs[0].Status)
}

func TestSendMessageStopsOnNonRetryableError(t *testing.T) {
	deps, _, gw := newTestDeps(t)
	gw.failN = 10
	gw.failWith = schema.NewError(schema.ErrCodeValidation, "recipient blocked the bot")
	p, slept := newSendProcessor(deps)

	in := whatsappInput(`{"body":"x","retry":{"max":5,"backoff":"constant","delay":"1s"}}`)
	_, err := p.Process(context.Background(), in)
	require.Error(t, err)

	var backoffs int
	for _, d := range *slept {
		if d >= time.Second {
			backoffs++
		}
	}
	assert.Zero(t, backoffs, "permanent errors skip the retry loop")
}

func TestSendMessageForcedModeWithOverride(t *testing.T) {
	deps, _, gw := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	in := testInput(schema.Node{
		ID:     "send",
		Type:   schema.NodeSendMessage,
		Config: rawConfig(`{"mode":"forced","channel":"whatsapp","to_override":"+111999","body":"aviso"}`),
	}, schema.TriggerPayload{})

	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output["sent"])
	assert.Equal(t, "+111999", gw.dests[0].Phone)
}

func TestSendMessageSmartModeNeedsChannel(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	in := testInput(schema.Node{ID: "send", Type: schema.NodeSendMessage, Config: rawConfig(`{"body":"x"}`)}, schema.TriggerPayload{})
	_, err := p.Process(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotApplicable, schema.ErrorCode(err))
}

func TestSendMessageHonorsScheduledAtUpToCap(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p, slept := newSendProcessor(deps)
	now := time.Now()
	p.now = func() time.Time { return now }

	in := whatsappInput(`{"body":"x","max_delay_seconds":3}`)
	in.Context.SetScheduledAt(now.Add(time.Hour))

	_, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, *slept)
	assert.Equal(t, 3*time.Second, (*slept)[0], "far horizons are capped, never slept out")
}

func TestSendMessageMediaOrders(t *testing.T) {
	deps, _, gw := newTestDeps(t)
	p, _ := newSendProcessor(deps)

	in := whatsappInput(`{"order":"caption"}`)
	in.Context.SetPendingMessages(
		[]string{"este es el catalogo", "avisame si te interesa"},
		[]schema.MediaRef{{ID: "brochure-1"}},
	)

	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["sent"])

	sent := gw.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "https://media.test/brochure-1", sent[0].MediaURL)
	assert.Equal(t, "este es el catalogo", sent[0].Caption, "first body rides as the caption")
	assert.Equal(t, "avisame si te interesa", sent[1].Body)
}

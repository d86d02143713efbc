package chrono

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluginContext_RegisteredKindsAndEvents(t *testing.T) {
	s := New(newFakeStore())
	require.NoError(t, s.RegisterTaskHandler(HandlerConfig{
		Kind: "send-email", Handler: func(context.Context, *Task) error { return nil },
	}))

	var captured *PluginContext
	_, err := s.Use(context.Background(), &fakePlugin{
		name: "inspector",
		onStart: func() {},
	})
	require.NoError(t, err)

	// Exercise PluginContext directly via a plugin that stashes it.
	probe := &stashingPlugin{}
	_, err = s.Use(context.Background(), probe)
	require.NoError(t, err)
	captured = probe.pctx
	require.NotNil(t, captured)

	assert.Equal(t, []string{"send-email"}, captured.RegisteredKinds())

	events, ok := captured.ProcessorEvents("send-email")
	assert.True(t, ok)
	assert.NotNil(t, events)

	_, ok = captured.ProcessorEvents("does-not-exist")
	assert.False(t, ok)

	assert.NotNil(t, captured.Store())
}

type stashingPlugin struct {
	pctx *PluginContext
}

func (p *stashingPlugin) Name() string { return "stashing" }

func (p *stashingPlugin) Register(ctx context.Context, pctx *PluginContext) (any, error) {
	p.pctx = pctx
	return nil, nil
}

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crispinlab/cc-proxy/internal/apierr"
)

func testProviders() []ProviderModels {
	return []ProviderModels{
		{
			Name:         "OpenAI",
			Type:         ProviderOpenAI,
			BigModels:    []string{"gpt-4o"},
			MiddleModels: []string{"gpt-4o"},
			SmallModels:  []string{"gpt-4o-mini"},
		},
		{
			Name:      "deepseek",
			Type:      ProviderOpenAI,
			BigModels: []string{"deepseek-chat"},
		},
	}
}

func TestSelect_TierRouting(t *testing.T) {
	r := New(testProviders(), map[Tier]string{
		TierSmall:  "OpenAI:gpt-4o-mini",
		TierMiddle: "OpenAI:gpt-4o",
		TierBig:    "OpenAI:gpt-4o",
	})

	sel, err := r.Select("claude-3-5-haiku-20241022")
	require.NoError(t, err)
	assert.Equal(t, "OpenAI", sel.Provider)
	assert.Equal(t, "gpt-4o-mini", sel.ConcreteModel)

	sel, err = r.Select("claude-3-5-sonnet-20241022")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", sel.ConcreteModel)

	sel, err = r.Select("claude-opus-4-20250514")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", sel.ConcreteModel)

	sel, err = r.Select("some-unrecognized-model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", sel.ConcreteModel, "unrecognized models default to the big tier")
}

func TestSelect_PassThroughForConcreteModel(t *testing.T) {
	r := New(testProviders(), map[Tier]string{TierBig: "OpenAI:gpt-4o"})

	sel, err := r.Select("deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, "deepseek", sel.Provider)
	assert.Equal(t, "deepseek-chat", sel.ConcreteModel)
}

func TestSelect_NoProviders(t *testing.T) {
	r := New(testProviders(), map[Tier]string{})

	_, err := r.Select("claude-3-5-haiku")
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNoProvider, apiErr.Kind)
}

func TestSelect_UnknownModel(t *testing.T) {
	r := New(testProviders(), map[Tier]string{TierBig: "OpenAI:not-a-real-model"})

	_, err := r.Select("claude-opus-4")
	require.Error(t, err)
}

func TestUpdateSelection_Idempotent(t *testing.T) {
	r := New(testProviders(), map[Tier]string{TierBig: "OpenAI:gpt-4o"})

	require.NoError(t, r.UpdateSelection(TierBig, "OpenAI:gpt-4o"))
	assert.Equal(t, "OpenAI:gpt-4o", r.CurrentSelections()[TierBig])
}

func TestUpdateSelection_RejectsUnknownModel(t *testing.T) {
	r := New(testProviders(), map[Tier]string{TierBig: "OpenAI:gpt-4o"})

	err := r.UpdateSelection(TierBig, "OpenAI:not-configured")
	assert.Error(t, err)
	assert.Equal(t, "OpenAI:gpt-4o", r.CurrentSelections()[TierBig], "rejected update must not mutate state")
}

func TestCounters_TrackPerTier(t *testing.T) {
	r := New(testProviders(), map[Tier]string{TierSmall: "OpenAI:gpt-4o-mini"})

	_, _ = r.Select("claude-3-5-haiku")
	_, _ = r.Select("claude-3-5-haiku")

	assert.Equal(t, int64(2), r.Counters()[string(TierSmall)])
}

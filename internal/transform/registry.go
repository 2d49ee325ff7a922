package transform

import "github.com/crispinlab/cc-proxy/internal/protocol"

// Factory builds one configured transformer instance.
type Factory func(cfg protocol.TransformerConfig) (Transformer, error)

// registry is the explicit table of shipped transformers, keyed by the name
// a [transformers.<name>] config table uses. Pipeline order is the order of
// the configs handed to New, never this map's iteration order; this table
// only resolves names to constructors.
var registry = map[string]Factory{
	"deepseek":   newDeepSeek,
	"openrouter": newOpenRouterCacheControl,
	"reminder":   newGenericReminder,
}

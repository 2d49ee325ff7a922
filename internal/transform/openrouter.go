package transform

import "github.com/crispinlab/cc-proxy/internal/protocol"

// openRouterCacheControl attaches an extra_query.cache_control object to
// every request routed to an OpenRouter-tagged provider, letting an
// operator configure prompt caching (ttl, refresh policy) without the
// translator needing to know OpenRouter-specific fields.
type openRouterCacheControl struct {
	passthrough

	ttl     int
	refresh string
}

func newOpenRouterCacheControl(cfg protocol.TransformerConfig) (Transformer, error) {
	return &openRouterCacheControl{
		ttl:     optionInt(cfg.Options, "ttl", 3600),
		refresh: optionString(cfg.Options, "refresh", "force"),
	}, nil
}

func (o *openRouterCacheControl) Name() string { return "openrouter" }

func (o *openRouterCacheControl) RequestOut(req *protocol.OARequest) (*protocol.OARequest, error) {
	if req.ExtraQuery == nil {
		req.ExtraQuery = make(map[string]any)
	}

	req.ExtraQuery["cache_control"] = map[string]any{
		"ttl":     o.ttl,
		"refresh": o.refresh,
	}

	return req, nil
}

// Package orchestrator wires the model router, protocol translator,
// transformer pipeline, and upstream client into the single pipeline that
// serves every inbound Claude request: validate, route, translate,
// transform, dispatch, stream, record. It owns the /v1/messages and
// /v1/messages/count_tokens handlers plus the small management surface
// (config selection, history listing, aggregate summary) that reads and
// writes the same router and history store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crispinlab/cc-proxy/internal/apierr"
	"github.com/crispinlab/cc-proxy/internal/config"
	"github.com/crispinlab/cc-proxy/internal/history"
	"github.com/crispinlab/cc-proxy/internal/protocol"
	"github.com/crispinlab/cc-proxy/internal/router"
	"github.com/crispinlab/cc-proxy/internal/transform"
	"github.com/crispinlab/cc-proxy/internal/upstream"
)

// MetricsSink is the subset of the metrics registry the orchestrator
// reports to. Accepting the interface here, rather than the concrete
// registry type, keeps this package free of a dependency on the
// middleware package that constructs it.
type MetricsSink interface {
	ObserveUpstream(provider, outcome string, dur time.Duration)
	SetHistoryQueueDepth(n int)
}

const (
	historyWriterWorkers = 2
	historyWriterBuffer  = 256
)

// Orchestrator holds every long-lived collaborator the request pipeline
// needs. The router and pipeline are built once from the configuration
// snapshot in effect at construction time; reloading configuration after
// startup (short of the explicit current-selection update endpoint) is out
// of scope, matching the component design's copy-on-write current-selection
// model rather than a fully dynamic provider catalog.
type Orchestrator struct {
	config    *config.Manager
	store     *history.Store
	router    *router.Router
	pipeline  *transform.Pipeline
	client    *upstream.Client
	openai    *upstream.OpenAIClient
	anthropic *upstream.AnthropicClient
	logger    *slog.Logger
	metrics   MetricsSink
	writer    *historyWriter
}

// New builds an Orchestrator from the current configuration, loading any
// persisted current-selection overrides from the history store's config
// table.
func New(cfgMgr *config.Manager, store *history.Store, logger *slog.Logger, metrics MetricsSink) (*Orchestrator, error) {
	cfg := cfgMgr.Get()

	rtr, err := buildRouter(cfg, store)
	if err != nil {
		return nil, err
	}

	pipeline, err := buildPipeline(cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building transformer pipeline: %w", err)
	}

	policy := upstream.RetryPolicy{
		MaxRetries: cfg.Config.MaxRetries,
		Timeout:    time.Duration(cfg.Config.UpstreamTimeoutSeconds) * time.Second,
	}
	client := upstream.New(policy, logger)

	o := &Orchestrator{
		config:    cfgMgr,
		store:     store,
		router:    rtr,
		pipeline:  pipeline,
		client:    client,
		openai:    upstream.NewOpenAIClient(client),
		anthropic: upstream.NewAnthropicClient(client),
		logger:    logger,
		metrics:   metrics,
	}
	o.writer = newHistoryWriter(store, historyWriterWorkers, historyWriterBuffer, logger, o.reportQueueDepth)

	return o, nil
}

// Close stops the history writer's worker pool by closing its job channel.
// Workers still run jobs already buffered in the channel, but Close returns
// at once and does not wait for them to finish.
func (o *Orchestrator) Close() {
	o.writer.close()
}

func (o *Orchestrator) reportQueueDepth(n int) {
	if o.metrics != nil {
		o.metrics.SetHistoryQueueDepth(n)
	}
}

// Router exposes the underlying router for the management handlers'
// current-selection introspection and update calls.
func (o *Orchestrator) Router() *router.Router {
	return o.router
}

// tier selection keys, the GET/POST /api/config surface named in §6.
const (
	keyBigModel    = "BIG_MODEL"
	keyMiddleModel = "MIDDLE_MODEL"
	keySmallModel  = "SMALL_MODEL"
)

var tierByKey = map[string]router.Tier{
	keyBigModel:    router.TierBig,
	keyMiddleModel: router.TierMiddle,
	keySmallModel:  router.TierSmall,
}

var keyByTier = map[router.Tier]string{
	router.TierBig:    keyBigModel,
	router.TierMiddle: keyMiddleModel,
	router.TierSmall:  keySmallModel,
}

func toRouterProviders(providers []config.Provider) []router.ProviderModels {
	out := make([]router.ProviderModels, 0, len(providers))
	for _, p := range providers {
		out = append(out, router.ProviderModels{
			Name:         p.Name,
			Type:         router.ProviderType(p.ProviderType),
			BigModels:    p.BigModels,
			MiddleModels: p.MiddleModels,
			SmallModels:  p.SmallModels,
		})
	}

	return out
}

func findProvider(cfg *config.Config, name string) (config.Provider, bool) {
	for _, p := range cfg.Providers {
		if p.Name == name {
			return p, true
		}
	}

	return config.Provider{}, false
}

func buildRouter(cfg *config.Config, store *history.Store) (*router.Router, error) {
	defaults := map[router.Tier]string{
		router.TierBig:    cfg.Config.Tiers.Big,
		router.TierMiddle: cfg.Config.Tiers.Middle,
		router.TierSmall:  cfg.Config.Tiers.Small,
	}

	rtr := router.New(toRouterProviders(cfg.Providers), defaults)

	persisted, err := store.LoadSelections(context.Background())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading persisted selections: %w", err)
	}

	for key, sel := range persisted {
		tier, ok := tierByKey[key]
		if !ok {
			continue
		}

		// A persisted selection that no longer matches the current catalog
		// (a provider or model removed from config.toml since it was saved)
		// is dropped silently; the config-file default still applies.
		_ = rtr.UpdateSelection(tier, sel)
	}

	return rtr, nil
}

// transformerOrder fixes pipeline order for the shipped transformers.
// go-toml unmarshals [transformers.<name>] tables into a map, so the
// authoring order in config.toml cannot be recovered; pipeline order
// instead follows the registry's declaration order. A name the registry
// doesn't recognize still reaches transform.New, which reports it as an
// unknown transformer rather than silently dropping it.
var transformerOrder = []string{"deepseek", "openrouter", "reminder"}

func buildPipeline(cfg *config.Config) (*transform.Pipeline, error) {
	var cfgs []protocol.TransformerConfig

	seen := make(map[string]bool, len(cfg.Transformers))

	for _, name := range transformerOrder {
		if t, ok := cfg.Transformers[name]; ok {
			cfgs = append(cfgs, toTransformerConfig(name, t))
			seen[name] = true
		}
	}

	for name, t := range cfg.Transformers {
		if seen[name] {
			continue
		}

		cfgs = append(cfgs, toTransformerConfig(name, t))
	}

	return transform.New(cfgs)
}

func toTransformerConfig(name string, t config.TransformerSection) protocol.TransformerConfig {
	return protocol.TransformerConfig{
		Name:      name,
		Enabled:   t.Enabled,
		Providers: t.Providers,
		Models:    t.Models,
		Options:   t.Options,
	}
}

// finalizeStream waits for both the upstream response body to finish
// closing and the terminal history write to be accepted by the writer's
// queue before returning — the "rare case" fan-in the component design
// calls out: a client disconnect must not leave either the upstream
// connection or the history row in an indeterminate state.
func (o *Orchestrator) finalizeStream(requestID string, resp closer, term history.Terminal) {
	g := new(errgroup.Group)

	g.Go(func() error {
		return resp.Close()
	})

	g.Go(func() error {
		o.writer.enqueue(func(ctx context.Context, store *history.Store) error {
			return store.UpdateTerminal(ctx, requestID, term)
		})

		return nil
	})

	if err := g.Wait(); err != nil {
		o.logger.Error("error finalizing stream", "request_id", requestID, "error", err)
	}
}

type closer interface {
	Close() error
}

// finalizeError queues a terminal "error" row for a request that never
// produced a response body, sanitizing the message per §7 (an upstream-auth
// failure never surfaces credentials).
func (o *Orchestrator) finalizeError(requestID string, err error) {
	msg := err.Error()
	if apiErr, ok := apierr.As(err); ok {
		msg = apiErr.Body().Error.Message
	}

	o.writer.enqueue(func(ctx context.Context, store *history.Store) error {
		return store.UpdateTerminal(ctx, requestID, history.Terminal{Status: protocol.StatusError, Error: msg})
	})
}

func asAPIErr(err error) *apierr.Error {
	if apiErr, ok := apierr.As(err); ok {
		return apiErr
	}

	return apierr.Wrap(apierr.KindInternal, err, "unexpected error")
}

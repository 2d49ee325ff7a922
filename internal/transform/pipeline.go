// Package transform implements the four-hook transformer pipeline:
// request_in, request_out, response_in, response_out, applied in the order of
// the configs handed to New (response_in once per chunk for a streaming
// response) for every enabled transformer whose predicate matches the
// resolved (provider, concrete model) pair. Transformers are registered
// in an explicit table (registry.go) rather than discovered by
// import side-effects, so pipeline order never depends on package init
// order.
package transform

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

// Transformer is one pipeline stage. A transformer that has nothing to do
// at a given hook simply returns its input unchanged.
type Transformer interface {
	Name() string
	RequestIn(req *protocol.ClaudeRequest) (*protocol.ClaudeRequest, error)
	RequestOut(req *protocol.OARequest) (*protocol.OARequest, error)
	ResponseIn(resp *protocol.OAResponse) (*protocol.OAResponse, error)
	ResponseOut(resp *protocol.ClaudeResponse) (*protocol.ClaudeResponse, error)
}

// Predicate matches a transformer against a resolved provider/model pair.
// An empty Models list never matches; "*" matches everything.
type Predicate struct {
	Providers []string
	Models    []string
}

func (p Predicate) Matches(provider, model string) bool {
	return matchAny(p.Providers, provider) && matchAny(p.Models, model)
}

func matchAny(patterns []string, value string) bool {
	for _, pat := range patterns {
		if pat == "*" {
			return true
		}

		if strings.EqualFold(pat, value) {
			return true
		}

		if matched, _ := filepath.Match(pat, value); matched {
			return true
		}
	}

	return false
}

type bound struct {
	t    Transformer
	pred Predicate
}

// Pipeline holds the full configured transformer list in configuration
// order. Select narrows it to the ones applicable to one request; the
// resulting slice is reused across every hook call for that request
// (including once per chunk for a streaming response) so predicate
// matching happens exactly once per request, not once per hook call.
type Pipeline struct {
	bound []bound
}

// New builds a Pipeline from configuration, looking each entry up in the
// registry by name. Disabled entries are skipped entirely.
func New(cfgs []protocol.TransformerConfig) (*Pipeline, error) {
	var bounds []bound

	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}

		factory, ok := registry[c.Name]
		if !ok {
			return nil, fmt.Errorf("transform: unknown transformer %q", c.Name)
		}

		t, err := factory(c)
		if err != nil {
			return nil, fmt.Errorf("transform: building %q: %w", c.Name, err)
		}

		bounds = append(bounds, bound{t: t, pred: Predicate{Providers: c.Providers, Models: c.Models}})
	}

	return &Pipeline{bound: bounds}, nil
}

// Select returns the transformers, in configuration order, whose predicate
// matches the given provider/model.
func (p *Pipeline) Select(provider, model string) []Transformer {
	var out []Transformer

	for _, b := range p.bound {
		if b.pred.Matches(provider, model) {
			out = append(out, b.t)
		}
	}

	return out
}

func RequestIn(ts []Transformer, req *protocol.ClaudeRequest) (*protocol.ClaudeRequest, error) {
	var err error

	for _, t := range ts {
		req, err = t.RequestIn(req)
		if err != nil {
			return nil, fmt.Errorf("%s request_in: %w", t.Name(), err)
		}
	}

	return req, nil
}

func RequestOut(ts []Transformer, req *protocol.OARequest) (*protocol.OARequest, error) {
	var err error

	for _, t := range ts {
		req, err = t.RequestOut(req)
		if err != nil {
			return nil, fmt.Errorf("%s request_out: %w", t.Name(), err)
		}
	}

	return req, nil
}

func ResponseIn(ts []Transformer, resp *protocol.OAResponse) (*protocol.OAResponse, error) {
	var err error

	for _, t := range ts {
		resp, err = t.ResponseIn(resp)
		if err != nil {
			return nil, fmt.Errorf("%s response_in: %w", t.Name(), err)
		}
	}

	return resp, nil
}

func ResponseOut(ts []Transformer, resp *protocol.ClaudeResponse) (*protocol.ClaudeResponse, error) {
	var err error

	for _, t := range ts {
		resp, err = t.ResponseOut(resp)
		if err != nil {
			return nil, fmt.Errorf("%s response_out: %w", t.Name(), err)
		}
	}

	return resp, nil
}

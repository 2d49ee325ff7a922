package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/crispinlab/cc-proxy/internal/apierr"
	"github.com/crispinlab/cc-proxy/internal/history"
)

// ServeHealth implements GET /health: liveness plus the three booleans §6
// names — whether an upstream provider is configured, whether at least one
// provider carries a resolvable API key, and whether client-facing auth is
// enforced.
func (o *Orchestrator) ServeHealth(w http.ResponseWriter, r *http.Request) {
	cfg := o.config.Get()

	apiKeyValid := false

	for _, p := range cfg.Providers {
		if p.ResolvedAPIKey() != "" {
			apiKeyValid = true
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                    "ok",
		"openai_api_configured":     len(cfg.Providers) > 0,
		"api_key_valid":             apiKeyValid,
		"client_api_key_validation": cfg.Config.APIKey != "",
	})
}

// configGetResponse is the body returned by GET /api/config/get: the
// current per-tier selection plus the §12 pass-through/tier counters.
type configGetResponse struct {
	BigModel    string           `json:"BIG_MODEL"`
	MiddleModel string           `json:"MIDDLE_MODEL"`
	SmallModel  string           `json:"SMALL_MODEL"`
	Counters    map[string]int64 `json:"counters"`
}

// ServeConfigGet implements GET /api/config/get.
func (o *Orchestrator) ServeConfigGet(w http.ResponseWriter, r *http.Request) {
	sel := o.router.CurrentSelections()

	writeJSON(w, http.StatusOK, configGetResponse{
		BigModel:    sel[tierByKey[keyBigModel]],
		MiddleModel: sel[tierByKey[keyMiddleModel]],
		SmallModel:  sel[tierByKey[keySmallModel]],
		Counters:    o.router.Counters(),
	})
}

// ServeConfigUpdate implements POST /api/config/update: body accepts any
// subset of {BIG_MODEL, MIDDLE_MODEL, SMALL_MODEL}, each value validated
// against the provider catalog and, on success, persisted so it survives a
// restart.
func (o *Orchestrator) ServeConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, err, "decoding request body"))
		return
	}

	applied := make(map[string]string, len(updates))

	for key, sel := range updates {
		tier, ok := tierByKey[key]
		if !ok {
			o.writeError(w, apierr.New(apierr.KindInvalidRequest, "unknown selection key %q", key))
			return
		}

		if err := o.router.UpdateSelection(tier, sel); err != nil {
			o.writeError(w, asAPIErr(err))
			return
		}

		applied[key] = sel
	}

	ctx := r.Context()

	for key, sel := range applied {
		if err := o.store.SaveSelection(ctx, key, sel); err != nil {
			o.logger.Error("failed to persist current selection", "key", key, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"updated": applied})
}

// ServeHistory implements GET /api/history?limit=N&date=YYYY-MM-DD&hour=H.
func (o *Orchestrator) ServeHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := history.ListFilter{Date: query.Get("date")}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			o.writeError(w, apierr.New(apierr.KindInvalidRequest, "invalid limit %q", limitStr))
			return
		}

		filter.Limit = limit
	}

	if hourStr := query.Get("hour"); hourStr != "" {
		hour, err := strconv.Atoi(hourStr)
		if err != nil {
			o.writeError(w, apierr.New(apierr.KindInvalidRequest, "invalid hour %q", hourStr))
			return
		}

		filter.Hour = &hour
	}

	records, err := o.store.List(r.Context(), filter)
	if err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInternal, err, "listing history"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

// ServeSummary implements GET /api/summary?start_date&end_date.
func (o *Orchestrator) ServeSummary(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	summary, err := o.store.Summary(r.Context(), query.Get("start_date"), query.Get("end_date"))
	if err != nil {
		o.writeError(w, apierr.Wrap(apierr.KindInternal, err, "summarizing history"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// Package history persists every exchange as an append-only row: inserted
// pending at request entry, updated once with the resolved route and
// translated request, updated once more at the terminal event. It also
// holds the small config table used to persist the router's current
// per-tier selection across restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

// historyTimeFormats are the layouts the sqlite driver may have used to
// store a ts value, tried in order. Aggregate expressions like MAX(ts)
// lose the column's declared type, so the driver hands back a plain
// string instead of parsing it into a time.Time for us.
var historyTimeFormats = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseHistoryTime(s string) (time.Time, bool) {
	if i := strings.Index(s, "m="); i > 0 {
		s = strings.TrimSpace(s[:i])
	}

	for _, layout := range historyTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT UNIQUE NOT NULL,
    ts DATETIME NOT NULL,
    claimed_model TEXT NOT NULL,
    concrete_model TEXT,
    provider TEXT,
    is_streaming BOOLEAN NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    user_agent TEXT,
    request_length INTEGER,
    response_length INTEGER,
    input_tokens INTEGER,
    output_tokens INTEGER,
    total_tokens INTEGER,
    tiktoken_estimate INTEGER,
    stop_reason TEXT,
    request_json TEXT NOT NULL,
    openai_request_json TEXT,
    response_json TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_ts ON history(ts DESC);
CREATE INDEX IF NOT EXISTS idx_history_concrete_model ON history(concrete_model);

CREATE TABLE IF NOT EXISTS config (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT UNIQUE NOT NULL,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_key ON config(key);
`

type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite file at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}

	db.SetMaxOpenConns(1) // single writer queue, per §5's concurrency model

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPending creates the row for a new request, status=pending. The
// caller must already have set RequestID, Timestamp, ClaimedModel,
// IsStreaming, UserAgent, RequestLength, RequestJSON, and optionally
// TiktokenEstimate.
func (s *Store) InsertPending(ctx context.Context, rec *protocol.HistoryRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history
			(request_id, ts, claimed_model, is_streaming, status, user_agent,
			 request_length, tiktoken_estimate, request_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Timestamp, rec.ClaimedModel, rec.IsStreaming, protocol.StatusPending,
		rec.UserAgent, rec.RequestLength, rec.TiktokenEstimate, rec.RequestJSON,
	)
	if err != nil {
		return fmt.Errorf("history: inserting pending row for %s: %w", rec.RequestID, err)
	}

	id, err := res.LastInsertId()
	if err == nil {
		rec.ID = id
	}

	rec.Status = protocol.StatusPending

	return nil
}

// UpdateTranslated tags a row with the resolved route once the model
// router and translator have run.
func (s *Store) UpdateTranslated(ctx context.Context, requestID, concreteModel, provider, openAIRequestJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE history SET concrete_model = ?, provider = ?, openai_request_json = ?
		WHERE request_id = ?`,
		concreteModel, provider, nullIfEmpty(openAIRequestJSON), requestID,
	)
	if err != nil {
		return fmt.Errorf("history: updating translation for %s: %w", requestID, err)
	}

	return nil
}

// Terminal carries the fields written at the end of a request's life,
// whichever of completed/partial/error it ends in.
type Terminal struct {
	Status       string
	ResponseJSON string
	StopReason   string
	InputTokens  int
	OutputTokens int
	Error        string
}

// UpdateTerminal writes the final outcome of a request: status, assembled
// response, token totals, stop reason, and — on failure — a sanitized
// error message. This is the second and last mutation a row ever receives,
// per the create→translate→terminal happens-before chain in §5.
func (s *Store) UpdateTerminal(ctx context.Context, requestID string, t Terminal) error {
	total := t.InputTokens + t.OutputTokens

	_, err := s.db.ExecContext(ctx, `
		UPDATE history SET
			status = ?, response_json = ?, response_length = ?, stop_reason = ?,
			input_tokens = ?, output_tokens = ?, total_tokens = ?, error = ?
		WHERE request_id = ?`,
		t.Status, nullIfEmpty(t.ResponseJSON), len(t.ResponseJSON), nullIfEmpty(t.StopReason),
		t.InputTokens, t.OutputTokens, total, nullIfEmpty(t.Error), requestID,
	)
	if err != nil {
		return fmt.Errorf("history: updating terminal state for %s: %w", requestID, err)
	}

	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// ListFilter narrows GET /api/history per §6's limit/date/hour parameters.
type ListFilter struct {
	Limit int
	Date  string // YYYY-MM-DD, optional
	Hour  *int   // optional, requires Date
}

// List returns rows newest-first, with full request/response payloads.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]protocol.HistoryRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, request_id, ts, claimed_model, concrete_model, provider, is_streaming,
		status, user_agent, request_length, response_length, input_tokens, output_tokens,
		total_tokens, tiktoken_estimate, stop_reason, request_json, openai_request_json,
		response_json, error FROM history WHERE 1=1`

	var args []any

	if filter.Date != "" {
		start := filter.Date + " 00:00:00"
		end := filter.Date + " 23:59:59.999999"

		if filter.Hour != nil {
			start = fmt.Sprintf("%s %02d:00:00", filter.Date, *filter.Hour)
			end = fmt.Sprintf("%s %02d:59:59.999999", filter.Date, *filter.Hour)
		}

		query += " AND ts >= ? AND ts <= ?"
		args = append(args, start, end)
	}

	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: listing: %w", err)
	}
	defer rows.Close()

	var out []protocol.HistoryRecord

	for rows.Next() {
		var (
			rec                                            protocol.HistoryRecord
			concreteModel, provider, userAgent, stopReason sql.NullString
			openaiRequestJSON, responseJSON, errMsg         sql.NullString
			responseLength, inputTokens, outputTokens       sql.NullInt64
			totalTok, tiktokenEstimate                      sql.NullInt64
		)

		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.Timestamp, &rec.ClaimedModel, &concreteModel, &provider,
			&rec.IsStreaming, &rec.Status, &userAgent, &rec.RequestLength, &responseLength,
			&inputTokens, &outputTokens, &totalTok, &tiktokenEstimate, &stopReason,
			&rec.RequestJSON, &openaiRequestJSON, &responseJSON, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("history: scanning row: %w", err)
		}

		rec.ConcreteModel = concreteModel.String
		rec.Provider = provider.String
		rec.UserAgent = userAgent.String
		rec.StopReason = stopReason.String
		rec.OpenAIRequestJSON = openaiRequestJSON.String
		rec.ResponseJSON = responseJSON.String
		rec.Error = errMsg.String
		rec.ResponseLength = int(responseLength.Int64)
		rec.InputTokens = int(inputTokens.Int64)
		rec.OutputTokens = int(outputTokens.Int64)
		rec.TotalTokens = int(totalTok.Int64)
		rec.TiktokenEstimate = int(tiktokenEstimate.Int64)

		out = append(out, rec)
	}

	return out, rows.Err()
}

// ModelSummary is one row of GET /api/summary's aggregate, per §6.
type ModelSummary struct {
	Model              string
	RequestCount       int
	CompletedRequests  int
	PartialRequests    int
	PendingRequests    int
	TotalInputTokens   int
	TotalOutputTokens  int
	TotalTokens        int
	SuccessRate        float64
	LastRequest        time.Time
}

// Summary aggregates counters by concrete model over an optional date
// range, per §6's GET /api/summary.
func (s *Store) Summary(ctx context.Context, startDate, endDate string) ([]ModelSummary, error) {
	query := `
		SELECT
			concrete_model,
			COUNT(*) AS request_count,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END) AS partial,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) AS pending,
			SUM(COALESCE(input_tokens, 0)) AS input_tokens,
			SUM(COALESCE(output_tokens, 0)) AS output_tokens,
			SUM(COALESCE(total_tokens, 0)) AS total_tokens,
			MAX(ts) AS last_request
		FROM history
		WHERE concrete_model IS NOT NULL AND concrete_model != ''`

	var args []any

	if startDate != "" {
		query += " AND ts >= ?"
		args = append(args, startDate+" 00:00:00")
	}

	if endDate != "" {
		query += " AND ts <= ?"
		args = append(args, endDate+" 23:59:59.999999")
	}

	query += " GROUP BY concrete_model ORDER BY total_tokens DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: summarizing: %w", err)
	}
	defer rows.Close()

	var out []ModelSummary

	for rows.Next() {
		var m ModelSummary

		var lastRequest sql.NullString

		if err := rows.Scan(
			&m.Model, &m.RequestCount, &m.CompletedRequests, &m.PartialRequests, &m.PendingRequests,
			&m.TotalInputTokens, &m.TotalOutputTokens, &m.TotalTokens, &lastRequest,
		); err != nil {
			return nil, fmt.Errorf("history: scanning summary row: %w", err)
		}

		if m.RequestCount > 0 {
			m.SuccessRate = float64(m.CompletedRequests) / float64(m.RequestCount) * 100
		}

		if lastRequest.Valid {
			if t, ok := parseHistoryTime(lastRequest.String); ok {
				m.LastRequest = t
			}
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// SaveSelection persists one current-selection key/value pair (e.g.
// "BIG_MODEL" -> "OpenAI:gpt-4o") so it survives a restart.
func (s *Store) SaveSelection(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("history: saving selection %s: %w", key, err)
	}

	return nil
}

// LoadSelections returns every persisted current-selection key/value pair.
func (s *Store) LoadSelections(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("history: loading selections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("history: scanning selection row: %w", err)
		}

		out[k] = v
	}

	return out, rows.Err()
}

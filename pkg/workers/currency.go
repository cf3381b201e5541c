// Package workers holds the built-in demo workers: currency conversion
// against the Frankfurter API, timezone lookup, and a plain echo used in
// tests. They exist so a node is useful out of the box and so the
// orchestrator has real peers to route to in examples.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/httpclient"
	"github.com/conclave-ai/conclave/pkg/worker"
)

// DefaultRatesURL is the public Frankfurter endpoint.
const DefaultRatesURL = "https://api.frankfurter.app"

// fallbackText is returned when a request cannot be understood at all.
const fallbackText = "We are unable to process your request at the moment. Please try again."

var (
	// "100 USD to EUR", "usd in eur", "convert 2.5 GBP -> JPY"
	conversionPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)?\s*([A-Za-z]{3})\s*(?:to|in|into|->)\s*([A-Za-z]{3})`)
	// "to EUR" with no source currency in front marks the target.
	targetPattern   = regexp.MustCompile(`(?i)\b(?:to|into|in)\s+([A-Za-z]{3})\b`)
	currencyPattern = regexp.MustCompile(`\b[A-Z]{3}\b`)
	amountPattern   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// conversionRequest is what the worker managed to parse so far. It is
// also the snapshot payload, so an interrupted conversation resumes with
// the partial parse intact.
type conversionRequest struct {
	Amount float64 `json:"amount"`
	From   string  `json:"from"`
	To     string  `json:"to"`
}

func (r *conversionRequest) complete() bool {
	return r.From != "" && r.To != ""
}

// CurrencyWorker converts between currencies using live Frankfurter
// rates. Missing source or target currency interrupts the task with an
// input request.
type CurrencyWorker struct {
	client   *httpclient.Client
	ratesURL string
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*conversionRequest
	canceled map[string]context.CancelFunc
}

// NewCurrencyWorker creates the worker. ratesURL defaults to the public
// Frankfurter API; tests point it at a stub server.
func NewCurrencyWorker(client *httpclient.Client, ratesURL string, logger *slog.Logger) *CurrencyWorker {
	if client == nil {
		client = httpclient.New()
	}
	if ratesURL == "" {
		ratesURL = DefaultRatesURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CurrencyWorker{
		client:   client,
		ratesURL: strings.TrimSuffix(ratesURL, "/"),
		logger:   logger,
		pending:  make(map[string]*conversionRequest),
		canceled: make(map[string]context.CancelFunc),
	}
}

// Start parses the initial request and begins the conversion turn.
func (w *CurrencyWorker) Start(ctx context.Context, taskID string, initial *a2a.Message, resumed []byte) (<-chan worker.Item, error) {
	req := &conversionRequest{Amount: 1}
	if len(resumed) > 0 {
		if err := json.Unmarshal(resumed, req); err != nil {
			return nil, fmt.Errorf("failed to restore conversion state: %w", err)
		}
	}
	w.parseInto(req, a2a.ExtractAllText(initial))
	return w.turn(ctx, taskID, req), nil
}

// Resume merges follow-up input into the stored partial request.
func (w *CurrencyWorker) Resume(ctx context.Context, taskID string, input *a2a.Message) (<-chan worker.Item, error) {
	w.mu.Lock()
	req, ok := w.pending[taskID]
	w.mu.Unlock()
	if !ok {
		req = &conversionRequest{Amount: 1}
	}
	w.parseInto(req, a2a.ExtractAllText(input))
	return w.turn(ctx, taskID, req), nil
}

// Cancel cuts the task's turn context.
func (w *CurrencyWorker) Cancel(_ context.Context, taskID string) error {
	w.mu.Lock()
	cancel, ok := w.canceled[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Snapshot serializes the partial parse for the task.
func (w *CurrencyWorker) Snapshot(taskID string) ([]byte, error) {
	w.mu.Lock()
	req, ok := w.pending[taskID]
	w.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return json.Marshal(req)
}

// parseInto fills in whatever the text provides without clobbering
// fields from earlier turns.
func (w *CurrencyWorker) parseInto(req *conversionRequest, text string) {
	if m := conversionPattern.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			if amount, err := strconv.ParseFloat(m[1], 64); err == nil {
				req.Amount = amount
			}
		}
		req.From = strings.ToUpper(m[2])
		req.To = strings.ToUpper(m[3])
		return
	}
	// No "X to Y" shape. "to EUR" still marks the target ("Convert 100
	// to EUR" must ask for the source, not treat EUR as it).
	if m := targetPattern.FindStringSubmatch(text); m != nil && req.To == "" {
		req.To = strings.ToUpper(m[1])
	}
	// Collect bare uppercase currency codes in order. The text is scanned
	// as written so that ordinary words ("AND" would match if we
	// uppercased first) stay out.
	for _, code := range currencyPattern.FindAllString(text, -1) {
		switch {
		case code == req.To:
		case req.From == "":
			req.From = code
		case req.To == "" && code != req.From:
			req.To = code
		}
	}
	if m := amountPattern.FindString(text); m != "" {
		if amount, err := strconv.ParseFloat(m, 64); err == nil {
			req.Amount = amount
		}
	}
}

func (w *CurrencyWorker) turn(ctx context.Context, taskID string, req *conversionRequest) <-chan worker.Item {
	turnCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.pending[taskID] = req
	w.canceled[taskID] = cancel
	w.mu.Unlock()

	items := make(chan worker.Item)
	go func() {
		defer close(items)
		defer func() {
			w.mu.Lock()
			delete(w.canceled, taskID)
			w.mu.Unlock()
		}()
		w.runTurn(turnCtx, taskID, req, items)
	}()
	return items
}

func (w *CurrencyWorker) runTurn(ctx context.Context, taskID string, req *conversionRequest, items chan<- worker.Item) {
	emit := func(item worker.Item) bool {
		select {
		case items <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	switch {
	case req.From == "" && req.To == "":
		emit(worker.NeedsInput(fallbackText))
		return
	case req.From == "":
		emit(worker.NeedsInput("Which currency do you want to convert from?"))
		return
	case req.To == "":
		emit(worker.NeedsInput("Which currency do you want to convert to?"))
		return
	}

	if !emit(worker.Thinking("Looking up the exchange rates...")) {
		return
	}
	if !emit(worker.ToolInvocation("get_exchange_rate", map[string]any{
		"currency_from": req.From,
		"currency_to":   req.To,
	})) {
		return
	}

	rate, err := w.fetchRate(ctx, req.From, req.To)
	if err != nil {
		if ctx.Err() != nil {
			// Canceled mid-fetch; the adapter owns the canceled transition.
			return
		}
		w.logger.Warn("Exchange rate lookup failed", "task_id", taskID,
			"from", req.From, "to", req.To, "error", err)
		emit(worker.Errorf(worker.ErrorInternal, fallbackText))
		return
	}

	if !emit(worker.ToolResult("get_exchange_rate", map[string]any{"rate": rate})) {
		return
	}
	if !emit(worker.Thinking("Processing the exchange rates..")) {
		return
	}

	// The conversion line goes out as a two-chunk text artifact.
	head := fmt.Sprintf("%s %s = ", formatAmount(req.Amount), req.From)
	tail := fmt.Sprintf("%s %s", formatAmount(req.Amount*rate), req.To)
	if !emit(worker.PartialArtifact("conversion", "conversion_result", a2a.NewTextPart(head), 0, false)) {
		return
	}
	if !emit(worker.PartialArtifact("conversion", "conversion_result", a2a.NewTextPart(tail), 1, true)) {
		return
	}

	w.mu.Lock()
	delete(w.pending, taskID)
	w.mu.Unlock()

	emit(worker.Final(a2a.NewTextPart(head + tail)))
}

// formatAmount trims trailing zeros so "1.0000" renders as "1" but real
// rates keep their precision.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

func (w *CurrencyWorker) fetchRate(ctx context.Context, from, to string) (float64, error) {
	url := fmt.Sprintf("%s/latest?from=%s&to=%s", w.ratesURL, from, to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build rates request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rates request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("rates API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode rates response: %w", err)
	}
	rate, ok := parsed.Rates[to]
	if !ok {
		return 0, fmt.Errorf("rates response has no rate for %s", to)
	}
	return rate, nil
}

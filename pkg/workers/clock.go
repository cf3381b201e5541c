package workers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/worker"
)

// cityZones maps common city spellings to IANA zone names, so "time in
// Tokyo" works without the caller knowing zone identifiers.
var cityZones = map[string]string{
	"tokyo":       "Asia/Tokyo",
	"london":      "Europe/London",
	"paris":       "Europe/Paris",
	"berlin":      "Europe/Berlin",
	"new york":    "America/New_York",
	"los angeles": "America/Los_Angeles",
	"chicago":     "America/Chicago",
	"sydney":      "Australia/Sydney",
	"singapore":   "Asia/Singapore",
	"hong kong":   "Asia/Hong_Kong",
	"seoul":       "Asia/Seoul",
	"dubai":       "Asia/Dubai",
	"moscow":      "Europe/Moscow",
	"istanbul":    "Europe/Istanbul",
	"utc":         "UTC",
}

var locationPattern = regexp.MustCompile(`(?i)(?:time|clock)\s+(?:in|at|for)\s+(.+?)(?:[?.!]|$)`)

// ClockWorker answers "what time is it in <place>" requests via IANA
// timezone lookup.
type ClockWorker struct {
	// now is swappable for tests.
	now func() time.Time

	mu       sync.Mutex
	canceled map[string]context.CancelFunc
}

func NewClockWorker() *ClockWorker {
	return &ClockWorker{
		now:      time.Now,
		canceled: make(map[string]context.CancelFunc),
	}
}

func (w *ClockWorker) Start(ctx context.Context, taskID string, initial *a2a.Message, _ []byte) (<-chan worker.Item, error) {
	return w.turn(ctx, taskID, a2a.ExtractAllText(initial)), nil
}

func (w *ClockWorker) Resume(ctx context.Context, taskID string, input *a2a.Message) (<-chan worker.Item, error) {
	return w.turn(ctx, taskID, a2a.ExtractAllText(input)), nil
}

func (w *ClockWorker) Cancel(_ context.Context, taskID string) error {
	w.mu.Lock()
	cancel, ok := w.canceled[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Snapshot is empty: the clock worker holds no cross-turn state.
func (w *ClockWorker) Snapshot(string) ([]byte, error) {
	return nil, nil
}

func (w *ClockWorker) turn(ctx context.Context, taskID, text string) <-chan worker.Item {
	turnCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
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
		w.runTurn(turnCtx, text, items)
	}()
	return items
}

func (w *ClockWorker) runTurn(ctx context.Context, text string, items chan<- worker.Item) {
	emit := func(item worker.Item) bool {
		select {
		case items <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}

	place := extractPlace(text)
	if place == "" {
		emit(worker.NeedsInput("Which city or timezone do you want the time for?"))
		return
	}

	if !emit(worker.Thinking("Resolving the timezone...")) {
		return
	}

	loc, zoneName, err := resolveZone(place)
	if err != nil {
		emit(worker.NeedsInput(fmt.Sprintf("I don't know the timezone for %q. Try an IANA name like Europe/Paris.", place)))
		return
	}

	now := w.now().In(loc)
	line := fmt.Sprintf("The current time in %s (%s) is %s", place, zoneName, now.Format("15:04:05 on Monday, 2 January 2006"))

	if !emit(worker.PartialArtifact("time", "time_result", a2a.NewTextPart(line), 0, true)) {
		return
	}
	emit(worker.Final(a2a.NewTextPart(line)))
}

func extractPlace(text string) string {
	if m := locationPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	// A bare IANA name ("Asia/Tokyo") is accepted as-is.
	trimmed := strings.TrimSpace(text)
	if strings.Contains(trimmed, "/") && !strings.Contains(trimmed, " ") {
		return trimmed
	}
	return ""
}

func resolveZone(place string) (*time.Location, string, error) {
	if zone, ok := cityZones[strings.ToLower(place)]; ok {
		loc, err := time.LoadLocation(zone)
		return loc, zone, err
	}
	loc, err := time.LoadLocation(place)
	if err != nil {
		return nil, "", fmt.Errorf("unknown timezone %q: %w", place, err)
	}
	return loc, place, nil
}

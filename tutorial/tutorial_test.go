package tutorial

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"islrecognizer/db"
	"islrecognizer/recognizer"
	"islrecognizer/timeutil"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	levels := c.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, "beginner", levels[0].ID)
	assert.Len(t, levels[0].Items, 26)
	assert.Equal(t, []string{"Colors", "Days", "Numbers"}, levels[1].Categories)
	assert.Len(t, levels[1].Items, 8+7+17)
	assert.Len(t, levels[2].Items, 20)

	a, ok := c.Item("alphabets-a")
	require.True(t, ok)
	assert.Equal(t, "Hand sign for letter A", a.Description)
	assert.Equal(t, "https://drive.google.com/file/d/1oWoalUPRYmgT2S9fyXZii_nrPkMD5mVW/preview", a.VideoURL)

	red, ok := c.Item("colors-red")
	require.True(t, ok)
	assert.Equal(t, `Hand sign for "Red" (Colors)`, red.Description)
	assert.Equal(t, "intermediate", red.Level)

	thanks, ok := c.Item("phrases-thank-you")
	require.True(t, ok)
	assert.Equal(t, "Thank you", thanks.Label)

	_, ok = c.Item("missing")
	assert.False(t, ok)
}

func TestParseCatalogRejectsDuplicates(t *testing.T) {
	_, err := ParseCatalog([]byte(`
levels:
  - id: one
    categories:
      - name: Words
        items:
          - {label: Hello}
          - {label: "hello"}
`))
	assert.ErrorContains(t, err, "duplicate item")

	_, err = ParseCatalog([]byte(`levels: []`))
	assert.Error(t, err)
}

func TestProgress(t *testing.T) {
	c := DefaultCatalog()
	rows := []db.Progress{
		{ItemID: "alphabets-a", Level: "beginner"},
		{ItemID: "alphabets-b", Level: "beginner"},
		{ItemID: "alphabets-b", Level: "beginner"},
		{ItemID: "removed-item", Level: "beginner"},
	}
	p, err := c.Progress("beginner", rows)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 26, p.Total)
	assert.Equal(t, 7, p.Percent)

	_, err = c.Progress("expert", nil)
	assert.Error(t, err)
}

type fakeSource struct {
	mu        sync.Mutex
	state     recognizer.State
	observers map[int]func(recognizer.State)
	next      int
}

func newFakeSource(phase recognizer.Phase) *fakeSource {
	return &fakeSource{state: recognizer.State{Phase: phase}, observers: make(map[int]func(recognizer.State))}
}

func (f *fakeSource) State() recognizer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Subscribe(fn func(recognizer.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeSource) publish(label string, p float64) {
	f.mu.Lock()
	f.state.Best = nil
	if label != "" {
		f.state.Best = &recognizer.Guess{Label: label, Probability: p}
	}
	s := f.state
	observers := make([]func(recognizer.State), 0, len(f.observers))
	for _, o := range f.observers {
		observers = append(observers, o)
	}
	f.mu.Unlock()
	for _, o := range observers {
		o(s)
	}
}

type countingRecorder struct {
	mu     sync.Mutex
	passed int
	failed int
}

func (r *countingRecorder) RecordAttempt(passed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if passed {
		r.passed++
	} else {
		r.failed++
	}
}

type coachHarness struct {
	clock    *timeutil.MockClock
	source   *fakeSource
	recorder *countingRecorder
	coach    *Coach
}

func newCoachHarness(t *testing.T) *coachHarness {
	t.Helper()
	require.NoError(t, db.InitDB(filepath.Join(t.TempDir(), "progress.db")))
	t.Cleanup(func() { db.Close() })

	h := &coachHarness{
		clock:    timeutil.NewMockClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		source:   newFakeSource(recognizer.PhaseSampling),
		recorder: &countingRecorder{},
	}
	h.coach = NewCoach(DefaultCatalog(), h.source, h.clock, DefaultCoachConfig(), h.recorder, nil)
	return h
}

// start runs an attempt and advances through the countdown so the capture
// window is open when it returns.
func (h *coachHarness) start(t *testing.T, itemID string) <-chan Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() {
		res, err := h.coach.Attempt(context.Background(), itemID)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return h.source.subscribers() == 1 && h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	return done
}

func (h *coachHarness) finish(t *testing.T, done <-chan Result) Result {
	t.Helper()
	h.clock.Advance(2 * time.Second)
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not finish")
		return Result{}
	}
}

func TestAttemptPassMarksCompleted(t *testing.T) {
	h := newCoachHarness(t)

	done := h.start(t, "alphabets-a")
	h.source.publish("B", 0.9)
	h.source.publish("A", 0.83)
	h.source.publish("a", 0.91)
	h.source.publish("", 0)
	res := h.finish(t, done)

	assert.True(t, res.Passed)
	assert.Equal(t, 91, res.Accuracy)
	assert.Equal(t, 0, h.source.subscribers())

	p, err := h.coach.Progress("beginner")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, []string{"alphabets-a"}, p.Items)
	assert.Equal(t, 1, h.recorder.passed)
}

func TestAttemptBelowPassAccuracy(t *testing.T) {
	h := newCoachHarness(t)

	done := h.start(t, "colors-red")
	h.source.publish("Red", 0.79)
	h.source.publish("Blue", 0.95)
	res := h.finish(t, done)

	assert.False(t, res.Passed)
	assert.Equal(t, 79, res.Accuracy)
	assert.Equal(t, "Blue", res.LastSeen)

	rows, err := db.CompletedItems("")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, h.recorder.failed)
}

func TestAttemptRequiresSampling(t *testing.T) {
	h := newCoachHarness(t)
	h.source.state.Phase = recognizer.PhaseReady

	_, err := h.coach.Attempt(context.Background(), "alphabets-a")
	assert.ErrorIs(t, err, ErrNotSampling)

	_, err = h.coach.Attempt(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestAttemptCancelledDuringCountdown(t *testing.T) {
	h := newCoachHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := h.coach.Attempt(ctx, "alphabets-a")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)

	_, err := h.coach.Attempt(context.Background(), "alphabets-b")
	assert.ErrorIs(t, err, ErrAttemptInProgress)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, h.source.subscribers())
}

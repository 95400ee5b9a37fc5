package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

var t0 = time.Date(2025, 12, 28, 14, 32, 15, 0, time.UTC)

func record(i int, ts time.Time, from, to state.State) state.TransitionRecord {
	return state.TransitionRecord{
		EventID:       fmt.Sprintf("evt-%03d", i),
		Timestamp:     ts,
		PreviousState: from,
		NewState:      to,
		TriggeredBy:   state.ByAutoTrigger,
		Reason:        fmt.Sprintf("reason %d", i),
	}
}

// cycle alternates ACTIVE/KILLED so records form a valid history.
func cycle(n int, start time.Time, step time.Duration) []state.TransitionRecord {
	recs := make([]state.TransitionRecord, n)
	from, to := state.Active, state.Killed
	for i := range recs {
		recs[i] = record(i, start.Add(time.Duration(i)*step), from, to)
		from, to = to, from
	}
	return recs
}

func collect(t *testing.T, l *Ledger, since, until time.Time, f Filter) []state.TransitionRecord {
	t.Helper()
	var out []state.TransitionRecord
	for rec, err := range l.Query(since, until, f) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestAppendAndQuery(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	recs := cycle(5, t0, time.Second)
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}

	got := collect(t, l, time.Time{}, time.Time{}, Filter{})
	require.Len(t, got, 5)
	for i := range recs {
		assert.Equal(t, recs[i].EventID, got[i].EventID)
		assert.True(t, recs[i].Timestamp.Equal(got[i].Timestamp))
	}

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, "evt-004", last.EventID)
}

func TestFileFormatIsJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	rec := state.TransitionRecord{
		EventID:       "e1",
		Timestamp:     t0,
		PreviousState: state.Active,
		NewState:      state.Killed,
		TriggeredBy:   state.ByAutoTrigger,
		Reason:        "drawdown 16.2% > 15.0%",
	}
	require.NoError(t, l.Append(rec))
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "killswitch-audit-20251228-000.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t,
		`{"event_id":"e1","timestamp":"2025-12-28T14:32:15Z","previous_state":"ACTIVE","new_state":"KILLED","triggered_by":"auto_trigger","reason":"drawdown 16.2% > 15.0%"}`+"\n",
		string(data))
}

func TestRotationBySize(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir(), MaxFileBytes: 400})
	require.NoError(t, err)
	defer l.Close()

	recs := cycle(12, t0, time.Second)
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}

	files, err := l.ListFiles()
	require.NoError(t, err)
	require.Greater(t, len(files), 1)
	for i, f := range files {
		assert.Equal(t, i, f.Seq)
		assert.LessOrEqual(t, f.Size, int64(400))
	}

	got := collect(t, l, time.Time{}, time.Time{}, Filter{})
	require.Len(t, got, len(recs))
	seen := map[string]bool{}
	for i, r := range got {
		assert.Equal(t, recs[i].EventID, r.EventID)
		assert.False(t, seen[r.EventID], "duplicate %s", r.EventID)
		seen[r.EventID] = true
	}

	oldest, ok, err := l.OldestFile()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, files[0].Name, oldest.Name)
}

func TestRotationByDate(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	day1 := time.Date(2025, 12, 28, 23, 59, 0, 0, time.UTC)
	require.NoError(t, l.Append(record(0, day1, state.Active, state.Killed)))
	require.NoError(t, l.Append(record(1, day1.Add(2*time.Minute), state.Killed, state.Recovering)))

	files, err := l.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "killswitch-audit-20251228-000.jsonl", files[0].Name)
	assert.Equal(t, "killswitch-audit-20251229-000.jsonl", files[1].Name)

	got := collect(t, l, day1.Add(time.Minute), time.Time{}, Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "evt-001", got[0].EventID)
}

func TestQueryBoundsAndFilter(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	recs := cycle(6, t0, time.Minute)
	recs[3].TriggeredBy = state.ByManualCLI
	recs[3].Actor = "alice"
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}

	got := collect(t, l, t0.Add(time.Minute), t0.Add(3*time.Minute), Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, "evt-001", got[0].EventID)
	assert.Equal(t, "evt-003", got[2].EventID)

	got = collect(t, l, time.Time{}, time.Time{}, Filter{Actor: "alice"})
	require.Len(t, got, 1)
	assert.Equal(t, state.ByManualCLI, got[0].TriggeredBy)

	got = collect(t, l, time.Time{}, time.Time{}, Filter{NewState: state.Killed})
	assert.Len(t, got, 3)
}

func TestQueryStopsWhenCallerBreaks(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()
	for _, r := range cycle(4, t0, time.Second) {
		require.NoError(t, l.Append(r))
	}

	n := 0
	for range l.Query(time.Time{}, time.Time{}, Filter{}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestPartialTrailingLineIsSkippedAndRepaired(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	recs := cycle(3, t0, time.Second)
	for _, r := range recs {
		require.NoError(t, l.Append(r))
	}
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "killswitch-audit-20251228-000.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"torn","timestamp":"2025-12-28T14:3`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A reader that races the crash remnant ignores it.
	reader := &Ledger{dir: dir, logger: l.logger}
	got := collect(t, reader, time.Time{}, time.Time{}, Filter{})
	require.Len(t, got, 3)

	// Reopening truncates the remnant so new appends stay line-aligned.
	l2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer l2.Close()
	last, ok := l2.Last()
	require.True(t, ok)
	assert.Equal(t, "evt-002", last.EventID)

	next := record(3, t0.Add(10*time.Second), state.Killed, state.Recovering)
	require.NoError(t, l2.Append(next))
	got = collect(t, l2, time.Time{}, time.Time{}, Filter{})
	require.Len(t, got, 4)
	assert.Equal(t, "evt-003", got[3].EventID)
}

func TestCorruptMiddleLineSurfacesError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "killswitch-audit-20251228-000.jsonl")
	content := `{"event_id":"a","timestamp":"2025-12-28T14:32:15Z","previous_state":"ACTIVE","new_state":"KILLED","triggered_by":"system","reason":"x"}
not-json
{"event_id":"b","timestamp":"2025-12-28T14:33:15Z","previous_state":"KILLED","new_state":"RECOVERING","triggered_by":"recovery","reason":"y"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))

	l, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	var ids []string
	var errs []error
	for rec, err := range l.Query(time.Time{}, time.Time{}, Filter{}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, rec.EventID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	require.Len(t, errs, 1)
	var cle *CorruptLineError
	require.True(t, errors.As(errs[0], &cle))
	assert.Equal(t, 2, cle.Line)
}

func TestReopenContinuesNewestFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Append(record(0, t0, state.Active, state.Killed)))
	require.NoError(t, l.Close())

	l2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Append(record(1, t0.Add(time.Second), state.Killed, state.Recovering)))

	files, err := l2.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Len(t, collect(t, l2, time.Time{}, time.Time{}, Filter{}), 2)
}

func TestAppendAfterClose(t *testing.T) {
	l, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(record(0, t0, state.Active, state.Killed)), ErrClosed)
}

func TestIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "killswitch-audit-bad-000.jsonl"), []byte("{}\n"), 0o640))

	l, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	files, err := l.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
	_, ok := l.Last()
	assert.False(t, ok)
}

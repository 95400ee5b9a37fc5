package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	TriggeredBy state.TriggeredBy
	NewState    state.State
	Actor       string
}

func (f Filter) Match(rec state.TransitionRecord) bool {
	if f.TriggeredBy != "" && rec.TriggeredBy != f.TriggeredBy {
		return false
	}
	if f.NewState != "" && rec.NewState != f.NewState {
		return false
	}
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	return true
}

// CorruptLineError reports a complete line that is not a valid record.
type CorruptLineError struct {
	File string
	Line int
	Err  error
}

func (e *CorruptLineError) Error() string {
	return fmt.Sprintf("ledger: %s:%d: %v", e.File, e.Line, e.Err)
}

func (e *CorruptLineError) Unwrap() error { return e.Err }

// Query lazily yields records with since <= timestamp <= until, oldest
// first, across all files. Zero bounds are open. A trailing line without a
// newline terminator is a write in progress or a crash remnant and is
// skipped; corrupt complete lines are yielded as errors and iteration
// continues if the caller keeps ranging.
func (l *Ledger) Query(since, until time.Time, filter Filter) iter.Seq2[state.TransitionRecord, error] {
	return func(yield func(state.TransitionRecord, error) bool) {
		files, err := l.ListFiles()
		if err != nil {
			yield(state.TransitionRecord{}, err)
			return
		}
		for _, fi := range files {
			if !until.IsZero() && fi.Date.After(until) {
				return
			}
			if !since.IsZero() && !fi.Date.AddDate(0, 0, 1).After(since) {
				continue
			}
			if !l.scanFile(fi, since, until, filter, yield) {
				return
			}
		}
	}
}

func (l *Ledger) scanFile(fi FileInfo, since, until time.Time, filter Filter, yield func(state.TransitionRecord, error) bool) bool {
	f, err := os.Open(fi.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed by a retention job between listing and reading.
			return true
		}
		return yield(state.TransitionRecord{}, fmt.Errorf("ledger: open %s: %w", fi.Name, err))
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) > 0 {
				l.logger.Debug("audit ledger: skipping partial trailing line",
					zap.String("file", fi.Name),
					zap.Int("line", lineNo+1),
				)
			}
			return true
		}
		if err != nil {
			return yield(state.TransitionRecord{}, fmt.Errorf("ledger: read %s: %w", fi.Name, err))
		}
		lineNo++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec state.TransitionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if !yield(state.TransitionRecord{}, &CorruptLineError{File: fi.Name, Line: lineNo, Err: err}) {
				return false
			}
			continue
		}
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && rec.Timestamp.After(until) {
			return false
		}
		if !filter.Match(rec) {
			continue
		}
		if !yield(rec, nil) {
			return false
		}
	}
}

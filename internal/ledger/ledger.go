// Package ledger is the append-only, rotating audit log of kill switch
// transitions. One JSON record per line, newest last.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

const (
	DefaultMaxFileBytes = 10 * 1024 * 1024

	filePrefix = "killswitch-audit-"
	fileSuffix = ".jsonl"
	dateLayout = "20060102"
)

var ErrClosed = errors.New("ledger: closed")

// Options configure Open.
type Options struct {
	Dir          string
	MaxFileBytes int64
	Logger       *zap.Logger
}

// FileInfo describes one ledger file. Retention jobs use it to decide what
// to archive or delete; the ledger itself never deletes.
type FileInfo struct {
	Path string
	Name string
	Date time.Time
	Seq  int
	Size int64
}

// Ledger appends transition records with fsync-before-ack semantics.
type Ledger struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	logger   *zap.Logger

	file    *os.File
	current FileInfo
	size    int64
	last    *state.TransitionRecord
	closed  bool
}

// Open prepares the ledger directory, repairs a torn trailing line left by
// a crash and positions the writer at the newest file.
func Open(opts Options) (*Ledger, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("ledger: dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	l := &Ledger{
		dir:      dir,
		maxBytes: opts.MaxFileBytes,
		logger:   opts.Logger,
	}
	if l.maxBytes <= 0 {
		l.maxBytes = DefaultMaxFileBytes
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}

	files, err := l.ListFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return l, nil
	}

	newest := files[len(files)-1]
	size, err := l.repairTail(newest.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(newest.Path, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", newest.Name, err)
	}
	newest.Size = size
	l.file = f
	l.current = newest
	l.size = size

	for i := len(files) - 1; i >= 0 && l.last == nil; i-- {
		last, err := lastRecord(files[i].Path)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		l.last = last
	}
	return l, nil
}

// Append writes one record and syncs it to storage before returning. A
// failed write is rolled back so no partial line remains.
func (l *Ledger) Append(rec state.TransitionRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("ledger: encode record: %w", err)
	}
	line := buf.Bytes()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.rotateIfNeededLocked(rec.Timestamp, int64(len(line))); err != nil {
		return err
	}

	n, err := l.file.Write(line)
	if err == nil && n != len(line) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		if terr := l.file.Truncate(l.size); terr != nil {
			l.logger.Error("ledger rollback failed", zap.String("file", l.current.Name), zap.Error(terr))
		}
		return fmt.Errorf("ledger: append to %s: %w", l.current.Name, err)
	}

	l.size += int64(n)
	l.current.Size = l.size
	r := rec
	l.last = &r
	return nil
}

// Last returns the newest record in the ledger.
func (l *Ledger) Last() (state.TransitionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return state.TransitionRecord{}, false
	}
	return *l.last, true
}

// ListFiles returns ledger files oldest first.
func (l *Ledger) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", l.dir, err)
	}
	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		date, seq, ok := parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path: filepath.Join(l.dir, e.Name()),
			Name: e.Name(),
			Date: date,
			Seq:  seq,
			Size: info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Date.Equal(files[j].Date) {
			return files[i].Seq < files[j].Seq
		}
		return files[i].Date.Before(files[j].Date)
	})
	return files, nil
}

// OldestFile returns the first ledger file, if any.
func (l *Ledger) OldestFile() (FileInfo, bool, error) {
	files, err := l.ListFiles()
	if err != nil || len(files) == 0 {
		return FileInfo{}, false, err
	}
	return files[0], true, nil
}

// Close syncs and closes the active file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("ledger: sync on close: %w", err)
	}
	return l.file.Close()
}

func (l *Ledger) rotateIfNeededLocked(ts time.Time, n int64) error {
	day := dayOf(ts)
	switch {
	case l.file == nil:
		return l.openFileLocked(day, 0)
	case !day.Equal(l.current.Date):
		if day.Before(l.current.Date) {
			// Timestamps are non-decreasing; keep writing to the newest file.
			return nil
		}
		return l.openFileLocked(day, 0)
	case l.size > 0 && l.size+n > l.maxBytes:
		return l.openFileLocked(day, l.current.Seq+1)
	}
	return nil
}

func (l *Ledger) openFileLocked(day time.Time, seq int) error {
	name := fileName(day, seq)
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("ledger: create %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("ledger: stat %s: %w", name, err)
	}
	if err := syncDir(l.dir); err != nil {
		_ = f.Close()
		return err
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.logger.Warn("ledger: close rotated file", zap.String("file", l.current.Name), zap.Error(err))
		}
		l.logger.Info("audit ledger rotated",
			zap.String("from", l.current.Name),
			zap.String("to", name),
			zap.Int64("size", l.size),
		)
	}
	l.file = f
	l.size = info.Size()
	l.current = FileInfo{Path: path, Name: name, Date: day, Seq: seq, Size: l.size}
	return nil
}

// repairTail truncates a partially written final line left by a crash.
func (l *Ledger) repairTail(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ledger: read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return int64(len(data)), nil
	}
	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	if err := os.Truncate(path, keep); err != nil {
		return 0, fmt.Errorf("ledger: repair %s: %w", filepath.Base(path), err)
	}
	l.logger.Warn("audit ledger: dropped torn trailing line",
		zap.String("file", filepath.Base(path)),
		zap.Int64("dropped_bytes", int64(len(data))-keep),
	)
	return keep, nil
}

func lastRecord(path string) (*state.TransitionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var last *state.TransitionRecord
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec state.TransitionRecord
			if json.Unmarshal(bytes.TrimSpace(line), &rec) == nil {
				last = &rec
			}
		}
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: read %s: %w", filepath.Base(path), err)
		}
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ledger: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("ledger: sync dir: %w", err)
	}
	return nil
}

func dayOf(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func fileName(day time.Time, seq int) string {
	return fmt.Sprintf("%s%s-%03d%s", filePrefix, day.Format(dateLayout), seq, fileSuffix)
}

func parseName(name string) (time.Time, int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	datePart, seqPart, ok := strings.Cut(core, "-")
	if !ok {
		return time.Time{}, 0, false
	}
	day, err := time.ParseInLocation(dateLayout, datePart, time.UTC)
	if err != nil {
		return time.Time{}, 0, false
	}
	seq, err := strconv.Atoi(seqPart)
	if err != nil || seq < 0 {
		return time.Time{}, 0, false
	}
	return day, seq, true
}

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/store"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".ndjson"
	dayLayout  = "2006-01-02"
)

// FileSink appends records as NDJSON to one file per UTC day and keeps the
// newest maxFiles files.
type FileSink struct {
	dir      string
	maxFiles int
	now      func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewFileSink creates dir if needed and returns a FileSink.
func NewFileSink(dir string, maxFiles int) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "audit: create dir %s", dir)
	}
	if maxFiles <= 0 {
		maxFiles = 30
	}
	return &FileSink{dir: dir, maxFiles: maxFiles, now: time.Now}, nil
}

// Name implements Sink.
func (f *FileSink) Name() string { return "file" }

// Write implements Sink.
func (f *FileSink) Write(_ context.Context, rec model.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "audit: marshal record")
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.rotate(); err != nil {
		return err
	}
	if _, err := f.file.Write(line); err != nil {
		return eris.Wrap(err, "audit: write record")
	}
	return nil
}

// rotate opens the file for the current day, pruning old files when the
// day changes. Callers hold f.mu.
func (f *FileSink) rotate() error {
	day := f.now().UTC().Format(dayLayout)
	if f.file != nil && f.day == day {
		return nil
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			zap.L().Warn("audit: close previous file", zap.String("day", f.day), zap.Error(err))
		}
		f.file = nil
	}

	path := filepath.Join(f.dir, filePrefix+day+fileSuffix)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "audit: open %s", path)
	}
	f.file = file
	f.day = day

	return f.prune()
}

func (f *FileSink) prune() error {
	files, err := f.files()
	if err != nil {
		return err
	}
	if len(files) <= f.maxFiles {
		return nil
	}
	for _, name := range files[:len(files)-f.maxFiles] {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !os.IsNotExist(err) {
			return eris.Wrapf(err, "audit: remove %s", name)
		}
	}
	return nil
}

// files lists audit file names oldest first. The date in the name sorts
// lexically.
func (f *FileSink) files() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: read dir %s", f.dir)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Scan reads every retained file and returns matching records, newest
// first, capped at the filter limit. Undecodable lines are skipped.
func (f *FileSink) Scan(ctx context.Context, filter store.AuditFilter) ([]model.AuditRecord, error) {
	f.mu.Lock()
	files, err := f.files()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []model.AuditRecord
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := readFile(filepath.Join(f.dir, name), filter)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func readFile(path string, filter store.AuditFilter) ([]model.AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "audit: open %s", path)
	}
	defer file.Close() //nolint:errcheck

	var out []model.AuditRecord
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec model.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "audit: scan %s", path)
	}
	return out, nil
}

func matches(rec model.AuditRecord, f store.AuditFilter) bool {
	switch {
	case f.PageID != "" && rec.PageID != f.PageID:
		return false
	case f.WidgetID != "" && rec.WidgetID != f.WidgetID:
		return false
	case f.Gate != "" && rec.GateKind != f.Gate:
		return false
	case f.Status != "" && rec.Status != f.Status:
		return false
	case !f.Since.IsZero() && rec.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !rec.Timestamp.Before(f.Until):
		return false
	}
	return true
}

// Close closes the current file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return eris.Wrap(err, "audit: close file")
}

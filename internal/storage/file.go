package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/model"
	logx "quoteflow/pkg/logx"
)

// fileStore keeps every collection in memory and persists each one as a
// JSON document beside cfg.Path. With a path of ./data/quoteflow.db:
//
//	data/quoteflow.tasks.json           task list in creation order
//	data/quoteflow.sequences.json       sequence id -> enabled
//	data/quoteflow.quotes.json          quote id -> last snapshot
//	data/quoteflow.dedup.snapshot.json  compacted dedup windows
//	data/quoteflow.dedup.journal.jsonl  dedup writes since the snapshot
//
// Documents are rewritten whole through a temp file and rename.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool

	tasks    fileDoc[*taskList]
	settings fileDoc[map[string]bool]
	quotes   fileDoc[map[string]model.QuoteSnapshot]
	dedup    *dedupJournal
}

// fileDoc pairs an in-memory value with the file it is saved to.
type fileDoc[T any] struct {
	path string
	val  T
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:      log,
		tasks:    fileDoc[*taskList]{path: prefix + ".tasks.json", val: newTaskList()},
		settings: fileDoc[map[string]bool]{path: prefix + ".sequences.json", val: map[string]bool{}},
		quotes:   fileDoc[map[string]model.QuoteSnapshot]{path: prefix + ".quotes.json", val: map[string]model.QuoteSnapshot{}},
	}

	var list []model.Task
	if err := readJSON(s.tasks.path, &list); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range list {
		s.tasks.val.put(t)
	}
	if err := readJSON(s.settings.path, &s.settings.val); err != nil {
		return nil, fmt.Errorf("load sequence settings: %w", err)
	}
	if err := readJSON(s.quotes.path, &s.quotes.val); err != nil {
		return nil, fmt.Errorf("load quotes: %w", err)
	}
	if s.settings.val == nil {
		s.settings.val = map[string]bool{}
	}
	if s.quotes.val == nil {
		s.quotes.val = map[string]model.QuoteSnapshot{}
	}

	dj, err := openDedupJournal(prefix+".dedup.snapshot.json", prefix+".dedup.journal.jsonl")
	if err != nil {
		return nil, fmt.Errorf("open dedup journal: %w", err)
	}
	s.dedup = dj
	return s, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.dedup.close()
}

// mutate runs fn under the lock and saves the document it reports.
func (s *fileStore) mutate(fn func() (path string, doc any)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	path, doc := fn()
	return writeJSONAtomic(path, doc)
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.val.all(), nil
}

func (s *fileStore) PutTask(ctx context.Context, t model.Task) error {
	return s.PutTasks(ctx, []model.Task{t})
}

func (s *fileStore) PutTasks(ctx context.Context, ts []model.Task) error {
	if len(ts) == 0 {
		return nil
	}
	return s.mutate(func() (string, any) {
		for _, t := range ts {
			s.tasks.val.put(t)
		}
		return s.tasks.path, s.tasks.val.all()
	})
}

func (s *fileStore) DeleteTasks(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.mutate(func() (string, any) {
		s.tasks.val.remove(ids...)
		return s.tasks.path, s.tasks.val.all()
	})
}

func (s *fileStore) LoadSequenceSettings(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.settings.val), nil
}

func (s *fileStore) PutSequenceSetting(ctx context.Context, id string, enabled bool) error {
	return s.mutate(func() (string, any) {
		s.settings.val[id] = enabled
		return s.settings.path, s.settings.val
	})
}

func (s *fileStore) GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes.val[id]
	return q, ok, nil
}

func (s *fileStore) PutQuote(ctx context.Context, q model.QuoteSnapshot) error {
	return s.mutate(func() (string, any) {
		s.quotes.val[q.ID] = q
		return s.quotes.path, s.quotes.val
	})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	compacted, err := s.dedup.put(key, until)
	if err != nil && compacted {
		s.log.Debug("dedup compact failed", logx.Err(err))
		return nil
	}
	return err
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup.get(strings.TrimSpace(key))
	return until, ok, nil
}

const dedupCompactEvery = 1000

type dedupEntry struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// dedupJournal stores dedup windows (unix millis) as a snapshot plus an
// append-only journal that is folded into the snapshot every
// dedupCompactEvery writes.
type dedupJournal struct {
	snapshot string
	journal  *os.File
	until    map[string]int64
	writes   int
}

func openDedupJournal(snapshot, journal string) (*dedupJournal, error) {
	d := &dedupJournal{snapshot: snapshot, until: map[string]int64{}}
	// Both files are best effort; a corrupt one only loses suppression.
	_ = readJSON(snapshot, &d.until)
	if d.until == nil {
		d.until = map[string]int64{}
	}
	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e dedupEntry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.Key != "" {
			d.until[e.Key] = e.Until
		}
	}
	d.journal = f
	d.prune()
	return d, nil
}

func (d *dedupJournal) get(key string) (time.Time, bool) {
	ms, ok := d.until[key]
	if key == "" || !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// put records key and reports whether a compaction ran; a returned error
// with compacted set came from the compaction, not the write.
func (d *dedupJournal) put(key string, until time.Time) (compacted bool, err error) {
	ms := until.UnixMilli()
	d.until[key] = ms
	if err := json.NewEncoder(d.journal).Encode(dedupEntry{Key: key, Until: ms}); err != nil {
		return false, err
	}
	if d.writes++; d.writes%dedupCompactEvery != 0 {
		return false, nil
	}
	return true, d.compact()
}

func (d *dedupJournal) compact() error {
	d.prune()
	if err := writeJSONAtomic(d.snapshot, d.until); err != nil {
		return err
	}
	if err := d.journal.Truncate(0); err != nil {
		return err
	}
	_, err := d.journal.Seek(0, io.SeekEnd)
	return err
}

func (d *dedupJournal) prune() {
	now := time.Now().UnixMilli()
	maps.DeleteFunc(d.until, func(_ string, ms int64) bool { return ms < now })
}

func (d *dedupJournal) close() error { return d.journal.Close() }

// readJSON decodes path into v. A missing or blank file leaves v untouched.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(strings.TrimSpace(string(b))) == 0:
		return nil
	}
	return json.Unmarshal(b, v)
}

// writeJSONAtomic writes v to a sibling temp file, syncs it and renames it
// over path.
func writeJSONAtomic(path string, v any) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = os.Rename(tmp, path)
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return f.Sync()
}

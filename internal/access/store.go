// Package access implements the priority-ordered allow/deny rule engine
// guarding traffic between relay subjects, with atomic persistence and
// debounced hot reload of external edits.
package access

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/schema"
	"github.com/doriancollier/relay/internal/subject"
)

const reloadDebounce = 100 * time.Millisecond

// Decision is the outcome of an access check.
type Decision struct {
	Allowed     bool
	MatchedRule *schema.AccessRule
}

// fileStamp identifies one on-disk revision of the rules file. Self-writes
// are recognized by comparing the observed stat to the recorded post-write
// stamp, independent of how the watch mechanism coalesces events.
type fileStamp struct {
	size    int64
	modTime time.Time
}

// Store owns the rules file: it is the only component that writes it, and it
// reloads when anything else does.
type Store struct {
	path   string
	logger zerolog.Logger

	mu        sync.Mutex
	rules     []schema.AccessRule
	lastWrite fileStamp
	dirty     bool
	reloads   int
	closed    bool

	watcher      *fsnotify.Watcher
	watchDone    chan struct{}
	reloadTimer  *time.Timer
	reloadTimers sync.WaitGroup
	closeOnce    sync.Once
}

// NewStore reads the rules file synchronously and begins watching for
// external edits. A missing or malformed file yields an empty rule set
// (default-allow) rather than a construction failure.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   filepath.Clean(path),
		logger: logger.With().Str("component", "access").Logger(),
	}
	s.rules = s.readRules()

	if err := s.startWatch(); err != nil {
		// Hot reload is best-effort; the store still works without it.
		s.logger.Warn().Err(err).Msg("rules file watch unavailable")
	}
	return s, nil
}

// Check evaluates the highest-priority rule matching (from, to). Absent any
// match the verdict is allow, like a session bus.
func (s *Store) Check(from, to string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		rule := s.rules[i]
		if subject.Matches(from, rule.From) && subject.Matches(to, rule.To) {
			matched := rule
			return Decision{Allowed: rule.Action == schema.ActionAllow, MatchedRule: &matched}
		}
	}
	return Decision{Allowed: true, MatchedRule: nil}
}

// AddRule inserts the rule, replacing any existing rule with the identical
// (from, to, priority) triple, re-sorts, and persists atomically.
func (s *Store) AddRule(rule schema.AccessRule) error {
	rule = rule.Normalize()
	if !rule.Valid() {
		return errs.New("access/add-rule", errs.CodeInvalid, errs.WithMessage("rule requires from, to, and allow|deny action"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]schema.AccessRule, 0, len(s.rules)+1)
	for _, existing := range s.rules {
		if existing.From == rule.From && existing.To == rule.To && existing.Priority == rule.Priority {
			continue
		}
		next = append(next, existing)
	}
	next = append(next, rule)
	sortRules(next)
	s.rules = next
	s.persistLocked()
	return nil
}

// RemoveRule removes the first rule with the exact (from, to) pair,
// regardless of priority, then persists.
func (s *Store) RemoveRule(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rule := range s.rules {
		if rule.From == from && rule.To == to {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			s.persistLocked()
			return nil
		}
	}
	return errs.New("access/remove-rule", errs.CodeNotFound,
		errs.WithMessage(fmt.Sprintf("no rule from %q to %q", from, to)))
}

// Rules returns a priority-descending snapshot of the rule set.
func (s *Store) Rules() []schema.AccessRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.AccessRule(nil), s.rules...)
}

// Close stops the file watch and any pending reload. Idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.reloadTimer != nil && s.reloadTimer.Stop() {
			s.reloadTimers.Done()
		}
		s.reloadTimer = nil
		watcher := s.watcher
		s.mu.Unlock()

		if watcher != nil {
			_ = watcher.Close()
			<-s.watchDone
		}
		s.reloadTimers.Wait()
	})
}

// sortRules orders priority-descending; the sort is stable so true priority
// ties keep insertion order.
func sortRules(rules []schema.AccessRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// readRules loads and parses the rules file. Any failure yields an empty
// set: a relay with an unreadable rules file behaves default-allow instead
// of refusing to start.
func (s *Store) readRules() []schema.AccessRule {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("rules file unreadable, starting default-allow")
		}
		return nil
	}
	rules, err := parseRules(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("rules file malformed, starting default-allow")
		return nil
	}
	return rules
}

func parseRules(data []byte) ([]schema.AccessRule, error) {
	var raw []schema.AccessRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	rules := make([]schema.AccessRule, 0, len(raw))
	for _, rule := range raw {
		rule = rule.Normalize()
		if rule.Valid() {
			rules = append(rules, rule)
		}
	}
	sortRules(rules)
	return rules, nil
}

// persistLocked writes the rule set via temp file + rename and records the
// resulting stat so the watcher can ignore this write. A write failure is
// logged and retried on the next mutation. Callers hold s.mu.
func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		s.dirty = true
		s.logger.Warn().Err(err).Msg("encode rules failed")
		return
	}
	if err := s.writeAtomicLocked(data); err != nil {
		s.dirty = true
		s.logger.Warn().Err(err).Msg("persist rules failed, will retry on next mutation")
		return
	}
	s.dirty = false
}

func (s *Store) writeAtomicLocked(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".access-rules-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.lastWrite = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
	return nil
}

// startWatch watches the parent directory so file creation is observed even
// before the rules file exists.
func (s *Store) startWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("ensure rules directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	s.watcher = watcher
	s.watchDone = make(chan struct{})

	go func() {
		defer close(s.watchDone)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				s.scheduleReload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return nil
}

// scheduleReload debounces bursts of filesystem notifications into one reload.
func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.reloadTimer != nil && s.reloadTimer.Stop() {
		s.reloadTimers.Done()
	}
	s.reloadTimers.Add(1)
	s.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		defer s.reloadTimers.Done()
		s.mu.Lock()
		s.reloadTimer = nil
		s.mu.Unlock()
		s.reload()
	})
}

// reload re-reads the rules file after an external change. A read or parse
// failure retains the last-known-good rule set; only construction falls
// back to empty.
func (s *Store) reload() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	expected := s.lastWrite
	s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rules reload stat failed, keeping current rules")
		return
	}
	if expected.modTime.Equal(info.ModTime()) && expected.size == info.Size() {
		// Our own write; nothing to do.
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rules reload read failed, keeping current rules")
		return
	}
	rules, err := parseRules(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rules reload parse failed, keeping current rules")
		return
	}

	s.mu.Lock()
	if !s.closed {
		s.rules = rules
		s.lastWrite = fileStamp{size: info.Size(), modTime: info.ModTime()}
		s.reloads++
	}
	s.mu.Unlock()
	s.logger.Info().Int("rules", len(rules)).Msg("access rules reloaded")
}

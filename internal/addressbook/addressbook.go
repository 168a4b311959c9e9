// Package addressbook implements the persistent alias↔JID map: validation,
// fuzzy query, and roster synchronization with conflict resolution.
package addressbook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sahilm/fuzzy"
)

// Origin distinguishes hand-entered aliases from ones derived from roster sync.
type Origin string

const (
	OriginManual     Origin = "manual"
	OriginRosterAuto Origin = "roster-auto"
)

const fileVersion = 1

var (
	aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	jidPattern   = regexp.MustCompile(`^[^@\s/]+@[^@\s/]+(/[^\s]*)?$`)
)

// Entry is one alias→JID mapping.
type Entry struct {
	Alias  string `json:"alias" validate:"required,min=1,max=50,alias"`
	JID    string `json:"jid" validate:"required,min=1,max=200,jid"`
	Origin Origin `json:"origin"`
}

// Match is a ranked query result.
type Match struct {
	Alias string
	JID   string
	Score int
}

// NotFoundError is returned by Resolve when no alias matches.
type NotFoundError struct{ Alias string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("alias %q not found", e.Alias) }

// AmbiguousError is returned by Resolve when multiple candidates tie within
// 5 points of the top fuzzy score.
type AmbiguousError struct {
	Term       string
	Candidates []Match
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("alias %q is ambiguous among %d candidates", e.Term, len(e.Candidates))
}

// InvalidError wraps a validation failure on an Entry field.
type InvalidError struct {
	Field   string
	Message string
}

func (e *InvalidError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Message) }

// RosterEntry is one contact as reported by the XMPP roster.
type RosterEntry struct {
	JID         string
	DisplayName string
}

// SyncResult tallies the outcome of a roster sync pass.
type SyncResult struct {
	Added   int
	Skipped int
	Errors  int
}

type fileFormat struct {
	Version int         `json:"version"`
	Entries []fileEntry `json:"entries"`
}

type fileEntry struct {
	Alias  string `json:"alias"`
	JID    string `json:"jid"`
	Origin Origin `json:"origin"`
}

// Book is the concurrency-safe, persisted address book.
type Book struct {
	mu       sync.RWMutex
	entries  map[string]Entry // keyed by canonical (lower-case) alias
	path     string
	validate *validator.Validate
	saveMu   sync.Mutex
	saving   bool
	dirty    bool

	// Scratch state for the duration of a single SyncRoster/SyncRosterIncremental
	// call. Safe unguarded because Book serializes mutations through mu and
	// callers are not expected to run overlapping syncs concurrently.
	lastSyncErred  bool
	anySyncMutated bool
}

// New creates a Book backed by path, loading any existing contents. A
// missing or corrupt file starts the book empty rather than failing.
func New(path string) (*Book, error) {
	v := validator.New()
	_ = v.RegisterValidation("alias", func(fl validator.FieldLevel) bool {
		return aliasPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("jid", func(fl validator.FieldLevel) bool {
		return jidPattern.MatchString(fl.Field().String())
	})

	b := &Book{
		entries:  make(map[string]Entry),
		path:     path,
		validate: v,
	}
	if err := b.load(); err != nil {
		slog.Warn("addressbook: starting empty after load failure", "path", path, "error", err)
	}
	return b, nil
}

func canonical(alias string) string { return strings.ToLower(strings.TrimSpace(alias)) }

func (b *Book) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading address book: %w", err)
	}

	var raw struct {
		Version int               `json:"version"`
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing address book: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, re := range raw.Entries {
		var fe fileEntry
		if err := json.Unmarshal(re, &fe); err != nil {
			slog.Warn("addressbook: skipping corrupt entry", "error", err)
			continue
		}
		key := canonical(fe.Alias)
		if key == "" || fe.JID == "" {
			continue
		}
		b.entries[key] = Entry{Alias: key, JID: fe.JID, Origin: fe.Origin}
	}
	return nil
}

// validateEntry checks alias/JID shape, returning an *InvalidError on failure.
func (b *Book) validateEntry(e Entry) error {
	if err := b.validate.Struct(e); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &InvalidError{Field: strings.ToLower(fe.Field()), Message: fe.Tag()}
		}
		return &InvalidError{Field: "entry", Message: err.Error()}
	}
	return nil
}

// Save creates or updates alias→jid, canonicalizing the alias to lower
// case. Returns "updated" if the mapping changed, "unchanged" otherwise.
func (b *Book) Save(alias, jid string) (string, error) {
	key := canonical(alias)
	entry := Entry{Alias: key, JID: jid, Origin: OriginManual}
	if err := b.validateEntry(entry); err != nil {
		return "", err
	}

	b.mu.Lock()
	existing, had := b.entries[key]
	status := "updated"
	if had && existing.JID == jid && existing.Origin == OriginManual {
		status = "unchanged"
	}
	b.entries[key] = entry
	b.mu.Unlock()

	b.scheduleSave()
	return status, nil
}

// Remove deletes alias. Returns "removed" or "absent".
func (b *Book) Remove(alias string) string {
	key := canonical(alias)
	b.mu.Lock()
	_, had := b.entries[key]
	delete(b.entries, key)
	b.mu.Unlock()

	if !had {
		return "absent"
	}
	b.scheduleSave()
	return "removed"
}

// Query returns fuzzy-ranked matches for term, highest score first, ties
// broken alphabetically by alias. An empty term returns no matches.
func (b *Book) Query(term string, limit int) []Match {
	if strings.TrimSpace(term) == "" {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	b.mu.RLock()
	entries := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if score, ok := scoreEntry(term, e.Alias, e.JID); ok {
			matches = append(matches, Match{Alias: e.Alias, JID: e.JID, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Alias < matches[j].Alias
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// scoreEntry implements the §4.B fallback scoring bands (exact=100,
// alias-substring=75, jid-substring=50), widened with sahilm/fuzzy
// subsequence matching for terms that aren't literal substrings. Returns
// ok=false when nothing matches at all.
func scoreEntry(term, alias, jid string) (int, bool) {
	lowerTerm := strings.ToLower(term)
	lowerAlias := strings.ToLower(alias)
	lowerJID := strings.ToLower(jid)

	switch {
	case lowerAlias == lowerTerm:
		return 100, true
	case strings.Contains(lowerAlias, lowerTerm):
		return 75, true
	case strings.Contains(lowerJID, lowerTerm):
		return 50, true
	}

	if len(fuzzy.Find(lowerTerm, []string{lowerAlias})) > 0 {
		return 30, true
	}
	if len(fuzzy.Find(lowerTerm, []string{lowerJID})) > 0 {
		return 15, true
	}
	return 0, false
}

// Resolve looks up alias, preferring an exact match, falling back to the
// best fuzzy match. Returns *NotFoundError or *AmbiguousError (when ≥2
// candidates are within 5 points of the top score) as appropriate.
func (b *Book) Resolve(alias string) (string, error) {
	key := canonical(alias)

	b.mu.RLock()
	if e, ok := b.entries[key]; ok {
		b.mu.RUnlock()
		return e.JID, nil
	}
	b.mu.RUnlock()

	matches := b.Query(alias, 10)
	if len(matches) == 0 {
		return "", &NotFoundError{Alias: alias}
	}

	top := matches[0].Score
	var candidates []Match
	for _, m := range matches {
		if top-m.Score <= 5 {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) >= 2 {
		return "", &AmbiguousError{Term: alias, Candidates: candidates}
	}
	return matches[0].JID, nil
}

// slugify turns a display string into a lower-case alias candidate:
// non [a-z0-9._-] runs become '-', repeats collapse, leading/trailing '-'
// trimmed.
func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func localpart(jid string) string {
	if i := strings.Index(jid, "@"); i >= 0 {
		return jid[:i]
	}
	return jid
}

func domainOf(jid string) string {
	bare := jid
	if i := strings.Index(bare, "/"); i >= 0 {
		bare = bare[:i]
	}
	if i := strings.Index(bare, "@"); i >= 0 {
		return bare[i+1:]
	}
	return ""
}

// SyncRoster reconciles roster entries into the book per the §4.B
// algorithm: slugify a candidate alias, skip if it already maps to the
// same JID, fall back to "candidate-<domain>" on a manual-alias conflict,
// overwrite only roster-auto-on-roster-auto collisions.
func (b *Book) SyncRoster(entries []RosterEntry) SyncResult {
	var res SyncResult
	for _, re := range entries {
		if b.syncOne(re) {
			res.Added++
		} else if b.lastSyncErred {
			res.Errors++
			b.lastSyncErred = false
		} else {
			res.Skipped++
		}
	}
	if b.anySyncMutated {
		b.scheduleSave()
		b.anySyncMutated = false
	}
	return res
}

// SyncRosterIncremental applies an incremental roster delta: added entries
// go through the same conflict-resolution path as SyncRoster; removed
// entries drop any roster-auto alias pointing at the removed JID (manual
// aliases are left alone, matching the "manual entries are never
// overwritten" invariant extended to removal).
func (b *Book) SyncRosterIncremental(added, removed []RosterEntry) SyncResult {
	res := b.SyncRoster(added)

	for _, re := range removed {
		b.mu.Lock()
		for key, e := range b.entries {
			if e.Origin == OriginRosterAuto && e.JID == re.JID {
				delete(b.entries, key)
			}
		}
		b.mu.Unlock()
	}
	if len(removed) > 0 {
		b.scheduleSave()
	}
	return res
}

func candidateAlias(re RosterEntry) string {
	if re.DisplayName != "" {
		if s := slugify(re.DisplayName); s != "" {
			return s
		}
	}
	return slugify(localpart(re.JID))
}

func (b *Book) syncOne(re RosterEntry) bool {
	candidate := candidateAlias(re)
	if candidate == "" {
		b.lastSyncErred = true
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.entries[candidate]; ok {
		if existing.JID == re.JID {
			return false // skipped: already mapped
		}
		if existing.Origin == OriginManual {
			// Manual alias owns this slug — retry once with a domain-qualified
			// fallback rather than overwrite it.
			fallback := candidate + "-" + slugify(domainOf(re.JID))
			fb, fbOK := b.entries[fallback]
			if fbOK && fb.JID == re.JID {
				return false // skipped: fallback already mapped
			}
			if fbOK && fb.Origin == OriginManual {
				b.lastSyncErred = true
				return false
			}
			entry := Entry{Alias: fallback, JID: re.JID, Origin: OriginRosterAuto}
			if err := b.validateEntry(entry); err != nil {
				b.lastSyncErred = true
				return false
			}
			b.entries[fallback] = entry
			b.anySyncMutated = true
			return true
		}
		// roster-auto collision: overwrite since existing is also roster-auto.
		entry := Entry{Alias: candidate, JID: re.JID, Origin: OriginRosterAuto}
		if err := b.validateEntry(entry); err != nil {
			b.lastSyncErred = true
			return false
		}
		b.entries[candidate] = entry
		b.anySyncMutated = true
		return true
	}

	entry := Entry{Alias: candidate, JID: re.JID, Origin: OriginRosterAuto}
	if err := b.validateEntry(entry); err != nil {
		b.lastSyncErred = true
		return false
	}
	b.entries[candidate] = entry
	b.anySyncMutated = true
	return true
}

// scheduleSave implements the trailing-edge coalescing scheduler: if a save
// is already in flight, it marks the book dirty so exactly one more save
// runs after the in-flight one completes; otherwise it starts one.
func (b *Book) scheduleSave() {
	b.saveMu.Lock()
	if b.saving {
		b.dirty = true
		b.saveMu.Unlock()
		return
	}
	b.saving = true
	b.saveMu.Unlock()

	go b.saveLoop()
}

func (b *Book) saveLoop() {
	for {
		if err := b.persist(); err != nil {
			slog.Error("addressbook: persisting", "error", err)
		}

		b.saveMu.Lock()
		if b.dirty {
			b.dirty = false
			b.saveMu.Unlock()
			continue
		}
		b.saving = false
		b.saveMu.Unlock()
		return
	}
}

// Flush blocks until any in-flight or pending save has completed. Intended
// for graceful shutdown.
func (b *Book) Flush() {
	for {
		b.saveMu.Lock()
		if !b.saving {
			b.saveMu.Unlock()
			return
		}
		b.saveMu.Unlock()
	}
}

func (b *Book) persist() error {
	b.mu.RLock()
	out := fileFormat{Version: fileVersion}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := b.entries[k]
		out.Entries = append(out.Entries, fileEntry{Alias: e.Alias, JID: e.JID, Origin: e.Origin})
	}
	b.mu.RUnlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling address book: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".addressbook-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Package journal maps the application's logical stores onto document maps.
// Page rendering and the AI layer read and write through these views.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"collabtext/journalsync/internal/doc"
)

// Map names within the document.
const (
	MapJournal   = "journal"
	MapCharacter = "character"
	MapSettings  = "settings"
	MapSummaries = "summaries"
)

// Well-known settings keys.
const (
	SettingSyncServer  = "syncServer"
	SettingAIEnabled   = "aiEnabled"
	SettingJournalName = "journalName"
)

// Store bundles the four views over one document.
type Store struct {
	Entries   *Entries
	Character *Character
	Settings  *Settings
	Summaries *Summaries
}

// New returns the views over d.
func New(d *doc.Document) *Store {
	return &Store{
		Entries:   &Entries{m: d.Map(MapJournal)},
		Character: &Character{d: d, m: d.Map(MapCharacter)},
		Settings:  &Settings{m: d.Map(MapSettings)},
		Summaries: &Summaries{d: d, m: d.Map(MapSummaries)},
	}
}

// Entry is one journal record. Timestamp is unix milliseconds.
type Entry struct {
	ID        string `json:"-"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Entries is the journal map, keyed by entry ID.
type Entries struct {
	m *doc.Map
}

// Put stores e. A blank ID is assigned a new one, and a zero timestamp is set to now.
func (s *Entries) Put(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if err := s.m.Set(e.ID, e); err != nil {
		return Entry{}, fmt.Errorf("put entry %s: %w", e.ID, err)
	}
	return e, nil
}

// Get returns the entry with id.
func (s *Entries) Get(id string) (Entry, bool) {
	v, ok := s.m.Get(id)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := v.Decode(&e); err != nil {
		return Entry{}, false
	}
	e.ID = id
	return e, true
}

// Delete removes the entry with id.
func (s *Entries) Delete(id string) error {
	return s.m.Delete(id)
}

// List returns every decodable entry, newest first.
func (s *Entries) List() []Entry {
	var out []Entry
	s.m.ForEach(func(key string, v doc.Value) bool {
		var e Entry
		if err := v.Decode(&e); err == nil {
			e.ID = key
			out = append(out, e)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CharacterFields are the only keys the character map holds.
var CharacterFields = []string{"name", "race", "class", "backstory", "notes"}

// Sheet is the character map as a record.
type Sheet struct {
	Name      string
	Race      string
	Class     string
	Backstory string
	Notes     string
}

func (s Sheet) fields() map[string]string {
	return map[string]string{
		"name":      s.Name,
		"race":      s.Race,
		"class":     s.Class,
		"backstory": s.Backstory,
		"notes":     s.Notes,
	}
}

// Character is the fixed-field character sheet.
type Character struct {
	d *doc.Document
	m *doc.Map
}

// Get returns the sheet. Missing fields are empty.
func (c *Character) Get() Sheet {
	field := func(k string) string {
		v, ok := c.m.Get(k)
		if !ok {
			return ""
		}
		return v.String()
	}
	return Sheet{
		Name:      field("name"),
		Race:      field("race"),
		Class:     field("class"),
		Backstory: field("backstory"),
		Notes:     field("notes"),
	}
}

// Put writes every field of s in one transaction.
func (c *Character) Put(s Sheet) error {
	fields := s.fields()
	return c.d.Transact(nil, func(tx *doc.Txn) {
		for _, k := range CharacterFields {
			tx.Set(MapCharacter, k, fields[k])
		}
	})
}

// SetField writes a single field. Unknown field names are rejected.
func (c *Character) SetField(field, value string) error {
	for _, k := range CharacterFields {
		if k == field {
			return c.m.Set(field, value)
		}
	}
	return fmt.Errorf("unknown character field %q", field)
}

// Settings holds scalar preferences.
type Settings struct {
	m *doc.Map
}

// String returns a string setting, or "" when unset.
func (s *Settings) String(key string) string {
	v, ok := s.m.Get(key)
	if !ok {
		return ""
	}
	return v.String()
}

// Bool returns a boolean setting, or false when unset.
func (s *Settings) Bool(key string) bool {
	v, ok := s.m.Get(key)
	return ok && v.Bool()
}

// Set writes a setting. Values must be strings or bools.
func (s *Settings) Set(key string, value any) error {
	switch value.(type) {
	case string, bool:
	default:
		return fmt.Errorf("setting %q: unsupported type %T", key, value)
	}
	return s.m.Set(key, value)
}

// Summaries caches AI output. Entries are not authoritative and may be cleared.
type Summaries struct {
	d *doc.Document
	m *doc.Map
}

// SummaryKey derives a cache key from the content being summarized.
func SummaryKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached summary for key.
func (s *Summaries) Get(key string) (string, bool) {
	v, ok := s.m.Get(key)
	if !ok {
		return "", false
	}
	return v.String(), true
}

// Put caches text under key.
func (s *Summaries) Put(key, text string) error {
	return s.m.Set(key, text)
}

// Clear drops every cached summary in one transaction.
func (s *Summaries) Clear() error {
	keys := s.m.Keys()
	return s.d.Transact(nil, func(tx *doc.Txn) {
		for _, k := range keys {
			tx.Delete(MapSummaries, k)
		}
	})
}

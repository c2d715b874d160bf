// Package content serves the site sections edited in the CMS. Rows are read
// from Supabase tables named cms_<section>, cached, and re-read when the
// database webhook reports a change.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/supabase-community/supabase-go"
)

// Sections lists the CMS sections the site reads.
var Sections = []string{"about", "footer", "hero", "services", "settings", "stats"}

var ErrUnknownSection = errors.New("content: unknown section")

// Row is one CMS record as stored.
type Row map[string]any

// Querier reads every row of a table.
type Querier interface {
	Rows(table string) ([]Row, error)
}

// Store caches section rows in memory.
type Store struct {
	q     Querier
	known map[string]bool
	log   *logrus.Entry

	mu    sync.RWMutex
	cache map[string][]Row
}

func NewStore(q Querier, sections ...string) *Store {
	if len(sections) == 0 {
		sections = Sections
	}
	known := make(map[string]bool, len(sections))
	for _, s := range sections {
		known[s] = true
	}
	return &Store{
		q:     q,
		known: known,
		log:   logrus.WithField("component", "content"),
		cache: make(map[string][]Row),
	}
}

// Section returns the rows of section, loading them on first use.
func (s *Store) Section(section string) ([]Row, error) {
	if !s.known[section] {
		return nil, ErrUnknownSection
	}
	s.mu.RLock()
	rows, ok := s.cache[section]
	s.mu.RUnlock()
	if ok {
		return rows, nil
	}
	return s.Refresh(section)
}

// Refresh re-reads section from the database.
func (s *Store) Refresh(section string) ([]Row, error) {
	if !s.known[section] {
		return nil, ErrUnknownSection
	}
	rows, err := s.q.Rows(tableName(section))
	if err != nil {
		return nil, fmt.Errorf("content: load %s: %w", section, err)
	}
	if rows == nil {
		rows = []Row{}
	}
	s.mu.Lock()
	s.cache[section] = rows
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"section": section, "rows": len(rows)}).Debug("section loaded")
	return rows, nil
}

// ChangeEvent is the payload of a Supabase database webhook.
type ChangeEvent struct {
	Type   string `json:"type"`
	Table  string `json:"table"`
	Schema string `json:"schema"`
	Record Row    `json:"record"`
}

// Apply refreshes the section a webhook payload refers to and returns its
// name.
func (s *Store) Apply(payload []byte) (string, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("content: decode change event: %w", err)
	}
	section, ok := strings.CutPrefix(ev.Table, "cms_")
	if !ok {
		return "", ErrUnknownSection
	}
	if _, err := s.Refresh(section); err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"section": section, "op": ev.Type}).Info("section refreshed")
	return section, nil
}

func tableName(section string) string { return "cms_" + section }

// SupabaseQuerier reads tables through PostgREST.
type SupabaseQuerier struct {
	client *supabase.Client
}

func NewSupabaseQuerier(client *supabase.Client) *SupabaseQuerier {
	return &SupabaseQuerier{client: client}
}

func (q *SupabaseQuerier) Rows(table string) ([]Row, error) {
	var rows []Row
	if _, err := q.client.From(table).Select("*", "", false).ExecuteTo(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Package memory holds in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ticnsp/eaas/internal/liturgy"
)

type dayRecord struct {
	day          liturgy.Day
	readingIDs   []string
	saintIDs     []string
	commentaryID string
	liturgyID    string
}

// Stats counts the records held by a DayStore.
type Stats struct {
	Days         int
	Readings     int
	Saints       int
	Commentaries int
	Liturgies    int
}

// DayStore keeps days and their children in maps. Writes made through InTx
// are staged and applied together when the callback returns nil.
type DayStore struct {
	mu           sync.RWMutex
	days         map[string]dayRecord
	order        []string
	readings     map[string]liturgy.Reading
	saints       map[string]liturgy.Saint
	saintsByExt  map[liturgy.ExternalID]string
	commentaries map[string]liturgy.Commentary
	liturgies    map[string]liturgy.Liturgy
}

var _ liturgy.DayStore = (*DayStore)(nil)

// NewDayStore constructs an empty DayStore.
func NewDayStore() *DayStore {
	return &DayStore{
		days:         make(map[string]dayRecord),
		readings:     make(map[string]liturgy.Reading),
		saints:       make(map[string]liturgy.Saint),
		saintsByExt:  make(map[liturgy.ExternalID]string),
		commentaries: make(map[string]liturgy.Commentary),
		liturgies:    make(map[string]liturgy.Liturgy),
	}
}

// FindDay returns the first stored day for the key with children resolved.
func (s *DayStore) FindDay(_ context.Context, date, lang string) (liturgy.Day, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		rec := s.days[id]
		if rec.day.Date == date && rec.day.Lang == lang {
			return s.resolve(rec), nil
		}
	}
	return liturgy.Day{}, liturgy.ErrNotFound
}

func (s *DayStore) resolve(rec dayRecord) liturgy.Day {
	day := rec.day
	day.Links = append([]liturgy.Link(nil), rec.day.Links...)
	day.Readings = make([]liturgy.Reading, 0, len(rec.readingIDs))
	for _, id := range rec.readingIDs {
		if r, ok := s.readings[id]; ok {
			day.Readings = append(day.Readings, r)
		}
	}
	day.Saints = make([]liturgy.Saint, 0, len(rec.saintIDs))
	for _, id := range rec.saintIDs {
		if st, ok := s.saints[id]; ok {
			day.Saints = append(day.Saints, st)
		}
	}
	if c, ok := s.commentaries[rec.commentaryID]; ok {
		day.Commentary = &c
	}
	if l, ok := s.liturgies[rec.liturgyID]; ok {
		day.Liturgy = &l
	}
	return day
}

// DeleteDay removes the day only. Its children stay in place.
func (s *DayStore) DeleteDay(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.days[id]; !ok {
		return liturgy.ErrNotFound
	}
	delete(s.days, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// InTx runs fn against a staged writer and applies its writes only if fn
// succeeds. Transactions are serialized.
func (s *DayStore) InTx(ctx context.Context, fn func(ctx context.Context, w liturgy.DayWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &stagedWriter{
		base:         s,
		days:         make(map[string]dayRecord),
		readings:     make(map[string]liturgy.Reading),
		saints:       make(map[string]liturgy.Saint),
		saintsByExt:  make(map[liturgy.ExternalID]string),
		commentaries: make(map[string]liturgy.Commentary),
		liturgies:    make(map[string]liturgy.Liturgy),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Stats reports record counts.
func (s *DayStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Days:         len(s.days),
		Readings:     len(s.readings),
		Saints:       len(s.saints),
		Commentaries: len(s.commentaries),
		Liturgies:    len(s.liturgies),
	}
}

// stagedWriter buffers one transaction. The base store's lock is held by
// InTx for its whole lifetime.
type stagedWriter struct {
	base         *DayStore
	days         map[string]dayRecord
	dayOrder     []string
	readings     map[string]liturgy.Reading
	saints       map[string]liturgy.Saint
	saintsByExt  map[liturgy.ExternalID]string
	commentaries map[string]liturgy.Commentary
	liturgies    map[string]liturgy.Liturgy
}

func (w *stagedWriter) InsertReadings(_ context.Context, readings []liturgy.Reading) ([]liturgy.Reading, error) {
	out := make([]liturgy.Reading, 0, len(readings))
	for _, r := range readings {
		if r.ID == "" {
			return nil, fmt.Errorf("insert reading: missing id")
		}
		if w.hasReading(r.ID) {
			return nil, fmt.Errorf("insert reading %s: duplicate id", r.ID)
		}
		w.readings[r.ID] = r
		out = append(out, r)
	}
	return out, nil
}

func (w *stagedWriter) hasReading(id string) bool {
	if _, ok := w.readings[id]; ok {
		return true
	}
	_, ok := w.base.readings[id]
	return ok
}

func (w *stagedWriter) UpsertSaint(_ context.Context, saint liturgy.Saint) (liturgy.Saint, error) {
	if existing, ok := w.saintsByExt[saint.ExternalID]; ok && saint.ExternalID != "" {
		saint.ID = existing
	} else if existing, ok := w.base.saintsByExt[saint.ExternalID]; ok && saint.ExternalID != "" {
		saint.ID = existing
	}
	if saint.ID == "" {
		return liturgy.Saint{}, fmt.Errorf("upsert saint %s: missing id", saint.ExternalID)
	}
	w.saints[saint.ID] = saint
	if saint.ExternalID != "" {
		w.saintsByExt[saint.ExternalID] = saint.ID
	}
	return saint, nil
}

func (w *stagedWriter) InsertCommentary(_ context.Context, c liturgy.Commentary) (liturgy.Commentary, error) {
	if c.ID == "" {
		return liturgy.Commentary{}, fmt.Errorf("insert commentary: missing id")
	}
	w.commentaries[c.ID] = c
	return c, nil
}

func (w *stagedWriter) InsertLiturgy(_ context.Context, l liturgy.Liturgy) (liturgy.Liturgy, error) {
	if l.ID == "" {
		return liturgy.Liturgy{}, fmt.Errorf("insert liturgy: missing id")
	}
	w.liturgies[l.ID] = l
	return l, nil
}

func (w *stagedWriter) SaveDay(_ context.Context, day liturgy.Day) (liturgy.Day, error) {
	if day.ID == "" {
		return liturgy.Day{}, fmt.Errorf("save day: missing id")
	}
	rec := dayRecord{day: day}
	rec.day.Links = append([]liturgy.Link(nil), day.Links...)
	rec.day.Readings, rec.day.Saints = nil, nil
	rec.day.Commentary, rec.day.Liturgy = nil, nil
	for _, r := range day.Readings {
		rec.readingIDs = append(rec.readingIDs, r.ID)
	}
	for _, st := range day.Saints {
		rec.saintIDs = append(rec.saintIDs, st.ID)
	}
	if day.Commentary != nil {
		rec.commentaryID = day.Commentary.ID
	}
	if day.Liturgy != nil {
		rec.liturgyID = day.Liturgy.ID
	}
	if _, staged := w.days[day.ID]; !staged {
		if _, stored := w.base.days[day.ID]; !stored {
			w.dayOrder = append(w.dayOrder, day.ID)
		}
	}
	w.days[day.ID] = rec
	return day, nil
}

func (w *stagedWriter) commit() {
	s := w.base
	for id, r := range w.readings {
		s.readings[id] = r
	}
	for id, st := range w.saints {
		s.saints[id] = st
	}
	for ext, id := range w.saintsByExt {
		s.saintsByExt[ext] = id
	}
	for id, c := range w.commentaries {
		s.commentaries[id] = c
	}
	for id, l := range w.liturgies {
		s.liturgies[id] = l
	}
	for id, rec := range w.days {
		s.days[id] = rec
	}
	s.order = append(s.order, w.dayOrder...)
}

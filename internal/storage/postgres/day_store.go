package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// DayStore keeps days and their children in Postgres. Child entities are
// stored as JSONB documents keyed by record ID; the day row references them.
type DayStore struct {
	db DB
}

// NewDayStore wraps db.
func NewDayStore(db DB) (*DayStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DayStore{db: db}, nil
}

const findDayQuery = `
SELECT id, date, lang, date_displayed, liturgic_title, has_liturgic_description,
	special_liturgy, links, COALESCE(liturgy_id, ''), COALESCE(commentary_id, ''),
	reading_ids, saint_ids
FROM days
WHERE date = $1 AND lang = $2
ORDER BY created_at
LIMIT 1`

// FindDay loads the day for (date, lang) with its children resolved.
func (s *DayStore) FindDay(ctx context.Context, date, lang string) (liturgy.Day, error) {
	var (
		day                     liturgy.Day
		links                   []byte
		liturgyID, commentaryID string
		readingIDs, saintIDs    []string
	)
	err := s.db.QueryRow(ctx, findDayQuery, date, lang).Scan(
		&day.ID, &day.Date, &day.Lang, &day.DateDisplayed, &day.LiturgicTitle,
		&day.HasLiturgicDescription, &day.SpecialLiturgy, &links,
		&liturgyID, &commentaryID, &readingIDs, &saintIDs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return liturgy.Day{}, liturgy.ErrNotFound
	}
	if err != nil {
		return liturgy.Day{}, fmt.Errorf("find day %s %s: %w", date, lang, err)
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &day.Links); err != nil {
			return liturgy.Day{}, fmt.Errorf("decode day links: %w", err)
		}
	}

	readings, err := loadDocuments[liturgy.Reading](ctx, s.db, "readings", readingIDs)
	if err != nil {
		return liturgy.Day{}, err
	}
	for _, id := range readingIDs {
		if r, ok := readings[id]; ok {
			r.ID = id
			day.Readings = append(day.Readings, r)
		}
	}
	saints, err := loadDocuments[liturgy.Saint](ctx, s.db, "saints", saintIDs)
	if err != nil {
		return liturgy.Day{}, err
	}
	for _, id := range saintIDs {
		if st, ok := saints[id]; ok {
			st.ID = id
			day.Saints = append(day.Saints, st)
		}
	}
	if commentaryID != "" {
		c, err := loadDocuments[liturgy.Commentary](ctx, s.db, "commentaries", []string{commentaryID})
		if err != nil {
			return liturgy.Day{}, err
		}
		if v, ok := c[commentaryID]; ok {
			v.ID = commentaryID
			day.Commentary = &v
		}
	}
	if liturgyID != "" {
		l, err := loadDocuments[liturgy.Liturgy](ctx, s.db, "liturgies", []string{liturgyID})
		if err != nil {
			return liturgy.Day{}, err
		}
		if v, ok := l[liturgyID]; ok {
			v.ID = liturgyID
			day.Liturgy = &v
		}
	}
	return day, nil
}

// table is always one of the constants above, never caller input.
func loadDocuments[T any](ctx context.Context, q querier, table string, ids []string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, fmt.Sprintf("SELECT id, data FROM %s WHERE id = ANY($1)", table), ids)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			data []byte
			doc  T
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", table, id, err)
		}
		out[id] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return out, nil
}

// DeleteDay removes the day row. Children stay where they are.
func (s *DayStore) DeleteDay(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM days WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete day %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return liturgy.ErrNotFound
	}
	return nil
}

// InTx runs fn inside a transaction. Any error rolls every write back.
func (s *DayStore) InTx(ctx context.Context, fn func(ctx context.Context, w liturgy.DayWriter) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		// Rollback after Commit is a no-op returning ErrTxClosed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()
	if err := fn(ctx, &txWriter{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txWriter struct {
	q querier
}

func (w *txWriter) InsertReadings(ctx context.Context, readings []liturgy.Reading) ([]liturgy.Reading, error) {
	out := make([]liturgy.Reading, 0, len(readings))
	for _, r := range readings {
		if r.ID == "" {
			return nil, fmt.Errorf("insert reading: missing id")
		}
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode reading: %w", err)
		}
		if _, err := w.q.Exec(ctx,
			"INSERT INTO readings (id, external_id, data) VALUES ($1, NULLIF($2, ''), $3)",
			r.ID, string(r.ExternalID), data,
		); err != nil {
			return nil, fmt.Errorf("insert reading %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

const upsertSaintQuery = `
INSERT INTO saints (id, external_id, data) VALUES ($1, NULLIF($2, ''), $3)
ON CONFLICT (external_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
RETURNING id`

func (w *txWriter) UpsertSaint(ctx context.Context, saint liturgy.Saint) (liturgy.Saint, error) {
	if saint.ID == "" {
		return liturgy.Saint{}, fmt.Errorf("upsert saint %s: missing id", saint.ExternalID)
	}
	data, err := json.Marshal(saint)
	if err != nil {
		return liturgy.Saint{}, fmt.Errorf("encode saint: %w", err)
	}
	if err := w.q.QueryRow(ctx, upsertSaintQuery, saint.ID, string(saint.ExternalID), data).Scan(&saint.ID); err != nil {
		return liturgy.Saint{}, fmt.Errorf("upsert saint %s: %w", saint.ExternalID, err)
	}
	return saint, nil
}

func (w *txWriter) InsertCommentary(ctx context.Context, c liturgy.Commentary) (liturgy.Commentary, error) {
	if err := w.insertDocument(ctx, "commentaries", c.ID, c.ExternalID, c); err != nil {
		return liturgy.Commentary{}, err
	}
	return c, nil
}

func (w *txWriter) InsertLiturgy(ctx context.Context, l liturgy.Liturgy) (liturgy.Liturgy, error) {
	if err := w.insertDocument(ctx, "liturgies", l.ID, l.ExternalID, l); err != nil {
		return liturgy.Liturgy{}, err
	}
	return l, nil
}

func (w *txWriter) insertDocument(ctx context.Context, table, id string, ext liturgy.ExternalID, doc any) error {
	if id == "" {
		return fmt.Errorf("insert %s: missing id", table)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, external_id, data) VALUES ($1, NULLIF($2, ''), $3)", table)
	if _, err := w.q.Exec(ctx, query, id, string(ext), data); err != nil {
		return fmt.Errorf("insert %s %s: %w", table, id, err)
	}
	return nil
}

const saveDayQuery = `
INSERT INTO days (
	id, date, lang, date_displayed, liturgic_title, has_liturgic_description,
	special_liturgy, links, liturgy_id, commentary_id, reading_ids, saint_ids
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12
)
ON CONFLICT (id) DO UPDATE SET
	date_displayed = EXCLUDED.date_displayed,
	liturgic_title = EXCLUDED.liturgic_title,
	has_liturgic_description = EXCLUDED.has_liturgic_description,
	special_liturgy = EXCLUDED.special_liturgy,
	links = EXCLUDED.links,
	liturgy_id = EXCLUDED.liturgy_id,
	commentary_id = EXCLUDED.commentary_id,
	reading_ids = EXCLUDED.reading_ids,
	saint_ids = EXCLUDED.saint_ids`

func (w *txWriter) SaveDay(ctx context.Context, day liturgy.Day) (liturgy.Day, error) {
	if day.ID == "" {
		return liturgy.Day{}, fmt.Errorf("save day: missing id")
	}
	links := day.Links
	if links == nil {
		links = []liturgy.Link{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return liturgy.Day{}, fmt.Errorf("encode day links: %w", err)
	}
	var liturgyID, commentaryID string
	if day.Liturgy != nil {
		liturgyID = day.Liturgy.ID
	}
	if day.Commentary != nil {
		commentaryID = day.Commentary.ID
	}
	readingIDs := make([]string, 0, len(day.Readings))
	for _, r := range day.Readings {
		readingIDs = append(readingIDs, r.ID)
	}
	saintIDs := make([]string, 0, len(day.Saints))
	for _, st := range day.Saints {
		saintIDs = append(saintIDs, st.ID)
	}

	_, err = w.q.Exec(ctx, saveDayQuery,
		day.ID, day.Date, day.Lang, day.DateDisplayed, day.LiturgicTitle,
		day.HasLiturgicDescription, day.SpecialLiturgy, linksJSON,
		liturgyID, commentaryID, readingIDs, saintIDs,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return liturgy.Day{}, fmt.Errorf("save day %s %s: another day exists for this key: %w", day.Date, day.Lang, err)
		}
		return liturgy.Day{}, fmt.Errorf("save day %s: %w", day.ID, err)
	}
	return day, nil
}

var (
	_ liturgy.DayStore  = (*DayStore)(nil)
	_ liturgy.DayWriter = (*txWriter)(nil)
)

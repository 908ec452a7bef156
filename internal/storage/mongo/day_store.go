package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// dayDoc is the stored shape of a day: children are referenced by ID.
type dayDoc struct {
	ID                     string         `bson:"_id"`
	Date                   string         `bson:"date"`
	Lang                   string         `bson:"lang"`
	DateDisplayed          string         `bson:"date_displayed"`
	LiturgicTitle          string         `bson:"liturgic_title"`
	HasLiturgicDescription bool           `bson:"has_liturgic_description"`
	SpecialLiturgy         string         `bson:"special_liturgy"`
	Links                  []liturgy.Link `bson:"links"`
	LiturgyID              string         `bson:"liturgy_id,omitempty"`
	CommentaryID           string         `bson:"commentary_id,omitempty"`
	ReadingIDs             []string       `bson:"reading_ids"`
	SaintIDs               []string       `bson:"saint_ids"`
}

func toDayDoc(day liturgy.Day) dayDoc {
	doc := dayDoc{
		ID:                     day.ID,
		Date:                   day.Date,
		Lang:                   day.Lang,
		DateDisplayed:          day.DateDisplayed,
		LiturgicTitle:          day.LiturgicTitle,
		HasLiturgicDescription: day.HasLiturgicDescription,
		SpecialLiturgy:         day.SpecialLiturgy,
		Links:                  append([]liturgy.Link{}, day.Links...),
		ReadingIDs:             make([]string, 0, len(day.Readings)),
		SaintIDs:               make([]string, 0, len(day.Saints)),
	}
	if day.Liturgy != nil {
		doc.LiturgyID = day.Liturgy.ID
	}
	if day.Commentary != nil {
		doc.CommentaryID = day.Commentary.ID
	}
	for _, r := range day.Readings {
		doc.ReadingIDs = append(doc.ReadingIDs, r.ID)
	}
	for _, s := range day.Saints {
		doc.SaintIDs = append(doc.SaintIDs, s.ID)
	}
	return doc
}

func (d dayDoc) shell() liturgy.Day {
	return liturgy.Day{
		ID:                     d.ID,
		Date:                   d.Date,
		Lang:                   d.Lang,
		DateDisplayed:          d.DateDisplayed,
		LiturgicTitle:          d.LiturgicTitle,
		HasLiturgicDescription: d.HasLiturgicDescription,
		SpecialLiturgy:         d.SpecialLiturgy,
		Links:                  d.Links,
	}
}

// DayStore keeps days and their children in one database.
type DayStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewDayStore uses the named database of client.
func NewDayStore(client *mongo.Client, database string) *DayStore {
	return &DayStore{client: client, db: client.Database(database)}
}

// FindDay loads the day for (date, lang) with its children resolved.
func (s *DayStore) FindDay(ctx context.Context, date, lang string) (liturgy.Day, error) {
	var doc dayDoc
	err := s.db.Collection(DaysCollection).FindOne(ctx, bson.M{"date": date, "lang": lang}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return liturgy.Day{}, liturgy.ErrNotFound
	}
	if err != nil {
		return liturgy.Day{}, fmt.Errorf("find day %s %s: %w", date, lang, err)
	}
	day := doc.shell()

	readings, err := findByIDs(ctx, s.db.Collection(ReadingsCollection), doc.ReadingIDs,
		func(r liturgy.Reading) string { return r.ID })
	if err != nil {
		return liturgy.Day{}, err
	}
	for _, id := range doc.ReadingIDs {
		if r, ok := readings[id]; ok {
			day.Readings = append(day.Readings, r)
		}
	}
	saints, err := findByIDs(ctx, s.db.Collection(SaintsCollection), doc.SaintIDs,
		func(st liturgy.Saint) string { return st.ID })
	if err != nil {
		return liturgy.Day{}, err
	}
	for _, id := range doc.SaintIDs {
		if st, ok := saints[id]; ok {
			day.Saints = append(day.Saints, st)
		}
	}
	if doc.CommentaryID != "" {
		var c liturgy.Commentary
		if err := findOne(ctx, s.db.Collection(CommentariesCollection), doc.CommentaryID, &c); err != nil {
			return liturgy.Day{}, err
		} else if c.ID != "" {
			day.Commentary = &c
		}
	}
	if doc.LiturgyID != "" {
		var l liturgy.Liturgy
		if err := findOne(ctx, s.db.Collection(LiturgiesCollection), doc.LiturgyID, &l); err != nil {
			return liturgy.Day{}, err
		} else if l.ID != "" {
			day.Liturgy = &l
		}
	}
	return day, nil
}

func findByIDs[T any](ctx context.Context, coll *mongo.Collection, ids []string, idOf func(T) string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", coll.Name(), err)
	}
	var docs []T
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	for _, d := range docs {
		out[idOf(d)] = d
	}
	return out, nil
}

// findOne leaves dst untouched when the document is missing.
func findOne(ctx context.Context, coll *mongo.Collection, id string, dst any) error {
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(dst)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("load %s %s: %w", coll.Name(), id, err)
	}
	return nil
}

// DeleteDay removes the day document only.
func (s *DayStore) DeleteDay(ctx context.Context, id string) error {
	res, err := s.db.Collection(DaysCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete day %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return liturgy.ErrNotFound
	}
	return nil
}

// InTx runs fn inside a session transaction.
func (s *DayStore) InTx(ctx context.Context, fn func(ctx context.Context, w liturgy.DayWriter) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, &sessionWriter{db: s.db})
	})
	return err
}

type sessionWriter struct {
	db *mongo.Database
}

func (w *sessionWriter) InsertReadings(ctx context.Context, readings []liturgy.Reading) ([]liturgy.Reading, error) {
	if len(readings) == 0 {
		return nil, nil
	}
	docs := make([]any, 0, len(readings))
	for _, r := range readings {
		if r.ID == "" {
			return nil, fmt.Errorf("insert reading: missing id")
		}
		docs = append(docs, r)
	}
	if _, err := w.db.Collection(ReadingsCollection).InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("insert readings: %w", err)
	}
	return append([]liturgy.Reading(nil), readings...), nil
}

func (w *sessionWriter) UpsertSaint(ctx context.Context, saint liturgy.Saint) (liturgy.Saint, error) {
	if saint.ID == "" {
		return liturgy.Saint{}, fmt.Errorf("upsert saint %s: missing id", saint.ExternalID)
	}
	coll := w.db.Collection(SaintsCollection)
	if saint.ExternalID == "" {
		if _, err := coll.InsertOne(ctx, saint); err != nil {
			return liturgy.Saint{}, fmt.Errorf("insert saint: %w", err)
		}
		return saint, nil
	}
	fields, err := setFields(saint)
	if err != nil {
		return liturgy.Saint{}, err
	}
	var stored liturgy.Saint
	err = coll.FindOneAndUpdate(ctx,
		bson.M{"id": saint.ExternalID},
		bson.M{"$set": fields, "$setOnInsert": bson.M{"_id": saint.ID}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&stored)
	if err != nil {
		return liturgy.Saint{}, fmt.Errorf("upsert saint %s: %w", saint.ExternalID, err)
	}
	return stored, nil
}

// setFields turns v into an update document without its _id.
func setFields(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	delete(m, "_id")
	return m, nil
}

func (w *sessionWriter) InsertCommentary(ctx context.Context, c liturgy.Commentary) (liturgy.Commentary, error) {
	if c.ID == "" {
		return liturgy.Commentary{}, fmt.Errorf("insert commentary: missing id")
	}
	if _, err := w.db.Collection(CommentariesCollection).InsertOne(ctx, c); err != nil {
		return liturgy.Commentary{}, fmt.Errorf("insert commentary: %w", err)
	}
	return c, nil
}

func (w *sessionWriter) InsertLiturgy(ctx context.Context, l liturgy.Liturgy) (liturgy.Liturgy, error) {
	if l.ID == "" {
		return liturgy.Liturgy{}, fmt.Errorf("insert liturgy: missing id")
	}
	if _, err := w.db.Collection(LiturgiesCollection).InsertOne(ctx, l); err != nil {
		return liturgy.Liturgy{}, fmt.Errorf("insert liturgy: %w", err)
	}
	return l, nil
}

func (w *sessionWriter) SaveDay(ctx context.Context, day liturgy.Day) (liturgy.Day, error) {
	if day.ID == "" {
		return liturgy.Day{}, fmt.Errorf("save day: missing id")
	}
	_, err := w.db.Collection(DaysCollection).ReplaceOne(ctx,
		bson.M{"_id": day.ID}, toDayDoc(day), options.Replace().SetUpsert(true))
	if err != nil {
		return liturgy.Day{}, fmt.Errorf("save day %s: %w", day.ID, err)
	}
	return day, nil
}

var (
	_ liturgy.DayStore  = (*DayStore)(nil)
	_ liturgy.DayWriter = (*sessionWriter)(nil)
)

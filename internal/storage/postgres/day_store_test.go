package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ticnsp/eaas/internal/liturgy"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEnsureSchemaAppliesDDL(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS readings").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDayStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewDayStore(nil)
	require.Error(t, err)
}

func TestFindDayNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM days").WithArgs("2019-01-26", "SP").WillReturnError(pgx.ErrNoRows)

	_, err = store.FindDay(context.Background(), "2019-01-26", "SP")
	require.ErrorIs(t, err, liturgy.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDayResolvesChildrenInOrder(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	links := mustJSON(t, []liturgy.Link{{Rel: "next", URI: "/SP/days/2019-01-27"}})
	mock.ExpectQuery("FROM days").
		WithArgs("2019-01-26", "SP").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "date", "lang", "date_displayed", "liturgic_title", "has_liturgic_description",
			"special_liturgy", "links", "liturgy_id", "commentary_id", "reading_ids", "saint_ids",
		}).AddRow(
			"day-1", "2019-01-26", "SP", "Sábado", "Santos Timoteo y Tito", false,
			"", links, "lit-1", "com-1", []string{"r-1", "r-2"}, []string{"s-1"},
		))
	// Rows come back out of order; the day's ordering wins.
	mock.ExpectQuery("SELECT id, data FROM readings").
		WithArgs([]string{"r-1", "r-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow("r-2", mustJSON(t, liturgy.Reading{ReadingCode: "GSP"})).
			AddRow("r-1", mustJSON(t, liturgy.Reading{ReadingCode: "1R"})))
	mock.ExpectQuery("SELECT id, data FROM saints").
		WithArgs([]string{"s-1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow("s-1", mustJSON(t, liturgy.Saint{ExternalID: "ext-s", Name: "Timoteo"})))
	mock.ExpectQuery("SELECT id, data FROM commentaries").
		WithArgs([]string{"com-1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow("com-1", mustJSON(t, liturgy.Commentary{Title: "Comentario"})))
	mock.ExpectQuery("SELECT id, data FROM liturgies").
		WithArgs([]string{"lit-1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data"}).
			AddRow("lit-1", mustJSON(t, liturgy.Liturgy{Title: "Memoria"})))

	day, err := store.FindDay(context.Background(), "2019-01-26", "SP")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, "day-1", day.ID)
	require.True(t, day.Valid())
	require.Equal(t, []liturgy.Link{{Rel: "next", URI: "/SP/days/2019-01-27"}}, day.Links)
	require.Len(t, day.Readings, 2)
	require.Equal(t, "r-1", day.Readings[0].ID)
	require.Equal(t, "1R", day.Readings[0].ReadingCode)
	require.Equal(t, "r-2", day.Readings[1].ID)
	require.Equal(t, "s-1", day.Saints[0].ID)
	require.Equal(t, "Comentario", day.Commentary.Title)
	require.Equal(t, "lit-1", day.Liturgy.ID)
}

func TestFindDayWithoutChildren(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM days").
		WithArgs("2019-01-26", "SP").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "date", "lang", "date_displayed", "liturgic_title", "has_liturgic_description",
			"special_liturgy", "links", "liturgy_id", "commentary_id", "reading_ids", "saint_ids",
		}).AddRow(
			"day-1", "2019-01-26", "SP", "", "", false, "", []byte("[]"), "", "", []string{}, []string{},
		))

	day, err := store.FindDay(context.Background(), "2019-01-26", "SP")
	require.NoError(t, err)
	require.False(t, day.Valid())
	require.Nil(t, day.Commentary)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDay(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM days").WithArgs("day-1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM days").WithArgs("day-2").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.DeleteDay(context.Background(), "day-1"))
	require.ErrorIs(t, store.DeleteDay(context.Background(), "day-2"), liturgy.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxCommitsAggregate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	reading := liturgy.Reading{ID: "r-1", ExternalID: "ext-r", Text: "Pablo"}
	saint := liturgy.Saint{ID: "s-new", ExternalID: "ext-s", Name: "Timoteo"}
	commentary := liturgy.Commentary{ID: "c-1", Title: "Comentario"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO readings").
		WithArgs("r-1", "ext-r", mustJSON(t, reading)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO saints").
		WithArgs("s-new", "ext-s", mustJSON(t, saint)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s-existing"))
	mock.ExpectExec("INSERT INTO commentaries").
		WithArgs("c-1", "", mustJSON(t, commentary)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO days").
		WithArgs("day-1", "2019-01-26", "SP", "", "", false, "", []byte("[]"),
			"", "c-1", []string{"r-1"}, []string{"s-existing"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = store.InTx(context.Background(), func(ctx context.Context, w liturgy.DayWriter) error {
		readings, err := w.InsertReadings(ctx, []liturgy.Reading{reading})
		if err != nil {
			return err
		}
		st, err := w.UpsertSaint(ctx, saint)
		if err != nil {
			return err
		}
		if st.ID != "s-existing" {
			return errors.New("upsert did not keep the stored id")
		}
		c, err := w.InsertCommentary(ctx, commentary)
		if err != nil {
			return err
		}
		_, err = w.SaveDay(ctx, liturgy.Day{
			ID: "day-1", Date: "2019-01-26", Lang: "SP",
			Readings: readings, Saints: []liturgy.Saint{st}, Commentary: &c,
		})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO readings").
		WithArgs("r-1", "", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.InTx(context.Background(), func(ctx context.Context, w liturgy.DayWriter) error {
		_, err := w.InsertReadings(ctx, []liturgy.Reading{{ID: "r-1"}})
		return err
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDayReportsDuplicateKey(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewDayStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO days").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key"})
	mock.ExpectRollback()

	err = store.InTx(context.Background(), func(ctx context.Context, w liturgy.DayWriter) error {
		_, err := w.SaveDay(ctx, liturgy.Day{ID: "day-2", Date: "2019-01-26", Lang: "SP"})
		return err
	})
	require.ErrorContains(t, err, "another day exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriterRejectsMissingIDs(t *testing.T) {
	t.Parallel()

	w := &txWriter{q: newMock(t)}
	ctx := context.Background()

	_, err := w.InsertReadings(ctx, []liturgy.Reading{{}})
	require.Error(t, err)
	_, err = w.UpsertSaint(ctx, liturgy.Saint{})
	require.Error(t, err)
	_, err = w.InsertLiturgy(ctx, liturgy.Liturgy{})
	require.Error(t, err)
	_, err = w.SaveDay(ctx, liturgy.Day{})
	require.Error(t, err)
}

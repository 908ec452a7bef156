package liturgy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExternalIDAcceptsStringsNumbersAndNull(t *testing.T) {
	t.Parallel()

	var got struct {
		A ExternalID `json:"a"`
		B ExternalID `json:"b"`
		C ExternalID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"GEN-1","b":1234,"c":null}`), &got))
	require.Equal(t, ExternalID("GEN-1"), got.A)
	require.Equal(t, ExternalID("1234"), got.B)
	require.Equal(t, ExternalID(""), got.C)

	var bad ExternalID
	require.Error(t, json.Unmarshal([]byte(`{"x":1}`), &bad))
}

func TestPayloadDecodesUpstreamShape(t *testing.T) {
	t.Parallel()

	body := `{
		"date": "2019-01-26",
		"date_displayed": "Samedi 26 janvier 2019",
		"liturgic_title": "Saints Timothée et Tite",
		"links": [{"rel": "next", "uri": "/SP/days/2019-01-27"}],
		"liturgy": {"id": 7, "title": "Memoria"},
		"commentary": {"id": "c-1", "title": "Comentario", "author": {"name": "San Agustín"}},
		"readings": [{"id": 11, "reading_code": "1R", "book": {"code": "2TM"}, "text": "..."}],
		"saints": [{"id": 21, "name": "Timoteo", "month": 1, "day": 26}]
	}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))

	require.Equal(t, "2019-01-26", p.Date)
	require.Len(t, p.Readings, 1)
	require.Equal(t, ExternalID("11"), p.Readings[0].ExternalID)
	require.Equal(t, "2TM", p.Readings[0].Book.Code)
	require.Equal(t, ExternalID("21"), p.Saints[0].ExternalID)
	require.Equal(t, "San Agustín", p.Commentary.Author.Name)
	require.Equal(t, ExternalID("7"), p.Liturgy.ExternalID)
}

func TestDayShellDropsChildren(t *testing.T) {
	t.Parallel()

	p := Payload{
		Date:          "2019-01-26",
		Lang:          "SP",
		LiturgicTitle: "title",
		Links:         []Link{{Rel: "self", URI: "/x"}},
		Liturgy:       &Liturgy{Title: "l"},
		Commentary:    &Commentary{Title: "c"},
		Readings:      []Reading{{Text: "r"}},
		Saints:        []Saint{{Name: "s"}},
	}
	day := p.DayShell()

	require.Equal(t, "2019-01-26", day.Date)
	require.Equal(t, "SP", day.Lang)
	require.Equal(t, "title", day.LiturgicTitle)
	require.Nil(t, day.Liturgy)
	require.Nil(t, day.Commentary)
	require.Empty(t, day.Readings)
	require.Empty(t, day.Saints)
	require.False(t, day.Valid())

	day.Links[0].Rel = "changed"
	require.Equal(t, "self", p.Links[0].Rel, "links are copied, not shared")
}

func TestJobRunFinished(t *testing.T) {
	t.Parallel()

	run := JobRun{}
	require.False(t, run.Finished())

	now := time.Now()
	run.Logs = append(run.Logs, LogEntry{Step: PhaseStart, Status: StatusStart, Timestamp: now})
	require.False(t, run.Finished())

	run.Logs = append(run.Logs, LogEntry{Step: PhaseDone, Status: StatusSuccess, Timestamp: now})
	require.True(t, run.Finished())
	last, ok := run.Last()
	require.True(t, ok)
	require.Equal(t, PhaseDone, last.Step)
}

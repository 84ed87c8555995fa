package sightdb

import (
	"path/filepath"
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestSightDB(t *testing.T) {
	db, err := Open(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "sightings.sqlite"))
	require.NoError(t, err)

	db.RecordSighting(&Sighting{
		CorrelationID: "q1",
		RawText:       "BUS 382W",
		Matched:       "382W",
		Confidence:    0.91,
		Detail: dbh.MakeJSONField(SightDetail{
			Box:   [4]int32{10, 10, 50, 30},
			Words: []string{"BUS", "382W"},
		}),
	})
	db.RecordSighting(&Sighting{
		CorrelationID: "q1",
		RawText:       "l23X",
		Matched:       "",
		Confidence:    0.55,
	})
	db.RecordSighting(&Sighting{
		CorrelationID: "q2",
		RawText:       "50",
		Matched:       "50",
		Confidence:    0.88,
	})

	recent, err := db.RecentSightings(10)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	forQuery, err := db.SightingsForQuery("q1")
	require.NoError(t, err)
	require.Len(t, forQuery, 2)
	require.Equal(t, "382W", forQuery[0].Matched)
	require.Equal(t, []string{"BUS", "382W"}, forQuery[0].Detail.Data.Words)

	db.RecordAnnouncement(&Announcement{
		CorrelationID: "q1",
		Identifier:    "382W",
		LatencyMS:     740,
	})
}

package telemetry

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVLogSinkAppendsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	sink, err := NewCSVLogSink(path, "", nil)
	require.NoError(t, err)

	frame := &Frame{
		VIN:       "V1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      []Datum{{FieldName: "Soc", Value: float64(72)}},
	}
	require.NoError(t, sink.OnFrame(context.Background(), frame))
	require.NoError(t, sink.Close())

	records := readCSV(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"timestamp", "vin", "Soc"}, records[0])
	assert.Equal(t, "V1", records[1][1])
	assert.Equal(t, "72", records[1][2])
}

func TestCSVLogSinkRewritesOnNewColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	sink, err := NewCSVLogSink(path, "", nil)
	require.NoError(t, err)

	f1 := &Frame{VIN: "V1", CreatedAt: time.Now(), Data: []Datum{{FieldName: "Soc", Value: float64(72)}}}
	require.NoError(t, sink.OnFrame(context.Background(), f1))

	f2 := &Frame{VIN: "V1", CreatedAt: time.Now(), Data: []Datum{
		{FieldName: "Soc", Value: float64(71)},
		{FieldName: "VehicleSpeed", Value: float64(30)},
	}}
	require.NoError(t, sink.OnFrame(context.Background(), f2))
	require.NoError(t, sink.Close())

	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"timestamp", "vin", "Soc", "VehicleSpeed"}, records[0])
	// The first row survives the rewrite, padded with an empty cell.
	assert.Equal(t, "72", records[1][2])
	assert.Equal(t, "", records[1][3])
	assert.Equal(t, "30", records[2][3])
}

func TestCSVLogSinkSkipsFilteredVIN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	sink, err := NewCSVLogSink(path, "V1", nil)
	require.NoError(t, err)

	other := &Frame{VIN: "V2", CreatedAt: time.Now(), Data: []Datum{{FieldName: "Soc", Value: float64(1)}}}
	require.NoError(t, sink.OnFrame(context.Background(), other))
	require.NoError(t, sink.Close())

	records := readCSV(t, path)
	require.Len(t, records, 1) // header only
}

func TestCSVLogSinkSerializesLocationAsKeyPairs(t *testing.T) {
	d := Datum{FieldName: "Location", Value: Location{Latitude: 37.77, Longitude: -122.42}}
	assert.Equal(t, "lat=37.77;lon=-122.42", serializeCSVValue(d))
}

func TestCSVLogSinkReopensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	sink, err := NewCSVLogSink(path, "", nil)
	require.NoError(t, err)
	f := &Frame{VIN: "V1", CreatedAt: time.Now(), Data: []Datum{{FieldName: "Soc", Value: float64(72)}}}
	require.NoError(t, sink.OnFrame(context.Background(), f))
	require.NoError(t, sink.Close())

	reopened, err := NewCSVLogSink(path, "", nil)
	require.NoError(t, err)
	f2 := &Frame{VIN: "V1", CreatedAt: time.Now(), Data: []Datum{{FieldName: "Soc", Value: float64(70)}}}
	require.NoError(t, reopened.OnFrame(context.Background(), f2))
	require.NoError(t, reopened.Close())

	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"timestamp", "vin", "Soc"}, records[0])
}

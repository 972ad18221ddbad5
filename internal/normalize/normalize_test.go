package normalize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-progress/internal/ingest"
)

func decode(t *testing.T, raw string) ingest.Payload {
	t.Helper()
	var out ingest.Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestPercentFractionsAndPercentages(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{0.001, 0.01, 0.25, 0.333, 0.5, 0.999, 1} {
		require.Equal(t, int(math.Round(v*100)), Percent(v), "fraction %v", v)
	}
	for _, v := range []float64{1.2, 2, 50, 66.6, 99.4, 100} {
		require.Equal(t, int(math.Round(v)), Percent(v), "percent %v", v)
	}
	require.Equal(t, 0, Percent(0))
	require.Equal(t, 0, Percent(-5))
	require.Equal(t, 100, Percent(250))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	p, ok := Classify(0.4)
	require.True(t, ok)
	require.InDelta(t, 40, p, 1e-9)

	p, ok = Classify(40)
	require.True(t, ok)
	require.InDelta(t, 40, p, 1e-9)

	_, ok = Classify(400)
	require.False(t, ok)
	_, ok = Classify(0)
	require.False(t, ok)
}

func TestInsertionFromCounts(t *testing.T) {
	t.Parallel()

	n := New()
	got := n.Insertion(decode(t, `{"status":"pending","inserted":40,"total":200}`), ingest.JobStatusPending)

	require.Equal(t, 20, got.Percent)
	require.NotNil(t, got.InsertedCount)
	require.NotNil(t, got.InsertTotal)
	require.Equal(t, int64(40), *got.InsertedCount)
	require.Equal(t, int64(200), *got.InsertTotal)
}

func TestInsertionDeeplyNestedCounts(t *testing.T) {
	t.Parallel()

	n := New()
	got := n.Insertion(
		decode(t, `{"data":{"progress":{"inserted_count":5,"total_records":10}}}`),
		ingest.JobStatusPending,
	)

	require.Equal(t, 50, got.Percent)
	require.Equal(t, int64(5), *got.InsertedCount)
	require.Equal(t, int64(10), *got.InsertTotal)
}

func TestInsertionPercentKeys(t *testing.T) {
	t.Parallel()

	n := New()
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"fraction", `{"insert_percent":0.42}`, 42},
		{"percentage", `{"insert_progress":"73.6"}`, 74},
		{"nested fraction", `{"result":{"insert_percent":0.1}}`, 10},
		{"percent over counts", `{"insert_percent":80,"inserted":1,"total":10}`, 80},
		{"oversized percent is a count", `{"insert_percent":150,"total":300}`, 50},
		{"processed count", `{"records_processed":250,"records_total":1000}`, 25},
		{"nothing", `{"status":"pending"}`, 0},
		{"zero counts total", `{"inserted":10,"total":0}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, n.Insertion(decode(t, tc.raw), ingest.JobStatusPending).Percent)
		})
	}
}

func TestInsertionProgressOverridesInsertPercent(t *testing.T) {
	t.Parallel()

	got := New().Insertion(decode(t, `{"insert_percent":30,"progress":0.9}`), ingest.JobStatusPending)
	require.Equal(t, 90, got.Percent)
}

func TestInsertionShallowestCandidateWins(t *testing.T) {
	t.Parallel()

	payload := decode(t, `{
		"total": 400,
		"inserted": 100,
		"batches": [{"total": 10, "inserted": 5}],
		"summary": {"records_total": 50}
	}`)
	got := New().Insertion(payload, ingest.JobStatusPending)

	require.Equal(t, 25, got.Percent)
	require.Equal(t, int64(400), *got.InsertTotal)
	require.Equal(t, int64(100), *got.InsertedCount)
}

func TestInsertionEqualDepthFirstInTraversalWins(t *testing.T) {
	t.Parallel()

	// "records_total" sorts before "total", so it wins at equal depth.
	payload := decode(t, `{"inserted": 10, "total": 100, "records_total": 20}`)
	got := New().Insertion(payload, ingest.JobStatusPending)

	require.Equal(t, 50, got.Percent)
	require.Equal(t, int64(20), *got.InsertTotal)
}

func TestInsertionTopLevelFallback(t *testing.T) {
	t.Parallel()

	n := New("inserted", "total")
	got := n.Insertion(decode(t, `{"insert_progress":0.35,"progress":60}`), ingest.JobStatusPending)
	require.Equal(t, 35, got.Percent)

	got = n.Insertion(decode(t, `{"insert_percent":500,"progress":60}`), ingest.JobStatusPending)
	require.Equal(t, 60, got.Percent)
}

func TestInsertionCompleteForcesHundred(t *testing.T) {
	t.Parallel()

	n := New()
	got := n.Insertion(decode(t, `{"status":"complete","inserted":3,"total":10}`), ingest.JobStatusComplete)
	require.Equal(t, 100, got.Percent)
	require.Equal(t, int64(3), *got.InsertedCount)

	got = n.Insertion(decode(t, `{}`), ingest.JobStatusComplete)
	require.Equal(t, 100, got.Percent)

	got = n.Insertion(decode(t, `{"inserted":3,"total":10}`), ingest.JobStatusFailed)
	require.Equal(t, 30, got.Percent)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := New()
	got := n.Normalize(decode(t, `{"status":"pending","percent":0.5,"insert_percent":12}`))
	require.Equal(t, ingest.JobStatusPending, got.Status)
	require.True(t, got.Known)
	require.Equal(t, 50, got.Intake)
	require.Equal(t, 12, got.Insertion.Percent)

	got = n.Normalize(decode(t, `{"status":"validating","percent":"88"}`))
	require.False(t, got.Known)
	require.Equal(t, ingest.JobStatusPending, got.Status)
	require.Equal(t, 88, got.Intake)

	got = n.Normalize(decode(t, `{"status":"COMPLETE"}`))
	require.Equal(t, ingest.JobStatusComplete, got.Status)
	require.Equal(t, 100, got.Insertion.Percent)
	require.Equal(t, 0, got.Intake)
}

func TestInsertionCountNamedKeysWithoutTotal(t *testing.T) {
	t.Parallel()

	n := New()
	cases := []struct {
		name      string
		raw       string
		want      int
		wantCount *int64
	}{
		{"inserted percent", `{"inserted":42}`, 42, nil},
		{"processed fraction", `{"records_processed":0.5}`, 50, nil},
		{"nested inserted fraction", `{"data":{"inserted_count":0.25}}`, 25, nil},
		{"large inserted is a count", `{"inserted":4200}`, 0, ptr(4200)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := n.Insertion(decode(t, tc.raw), ingest.JobStatusPending)
			require.Equal(t, tc.want, got.Percent)
			require.Equal(t, tc.wantCount, got.InsertedCount)
			require.Nil(t, got.InsertTotal)
		})
	}
}

func TestInsertionFractionalValueIsNeverACount(t *testing.T) {
	t.Parallel()

	got := New().Insertion(decode(t, `{"records_processed":0.5,"total":10}`), ingest.JobStatusPending)
	require.Equal(t, 50, got.Percent)
	require.Nil(t, got.InsertedCount)
	require.Equal(t, int64(10), *got.InsertTotal)

	got = New().Insertion(decode(t, `{"insert_percent":150.5,"total":300}`), ingest.JobStatusPending)
	require.Equal(t, 0, got.Percent)
	require.Nil(t, got.InsertedCount)
}

func ptr(v int64) *int64 { return &v }

package lifecycle

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

func TestCleanRecordRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		rec    fleet.BusinessRecord
		reason string
	}{
		{name: "blank name", rec: fleet.BusinessRecord{Name: "  "}, reason: ReasonMissingName},
		{name: "rating above five", rec: fleet.BusinessRecord{Name: "A", Rating: ptr(5.01)}, reason: ReasonRatingOutOfRange},
		{name: "negative rating", rec: fleet.BusinessRecord{Name: "A", Rating: ptr(-0.5)}, reason: ReasonRatingOutOfRange},
		{name: "negative reviews", rec: fleet.BusinessRecord{Name: "A", ReviewCount: ptr(-1)}, reason: ReasonNegativeReviewCount},
		{name: "reviews past int32", rec: fleet.BusinessRecord{Name: "A", ReviewCount: ptr(math.MaxInt32 + 1)}, reason: ReasonReviewCountTooLarge},
		{name: "name of only NULs", rec: fleet.BusinessRecord{Name: "\x00\x00"}, reason: ReasonMissingName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := CleanRecord(7, tc.rec)
			var recErr *RecordError
			require.True(t, errors.As(err, &recErr))
			require.Equal(t, tc.reason, recErr.Reason)
			require.Equal(t, 7, recErr.Index)
			require.ErrorIs(t, err, fleet.ErrValidation)
		})
	}
}

func TestCleanRecordBoundsAreInclusive(t *testing.T) {
	t.Parallel()

	for _, rating := range []float64{0, 5} {
		b, warnings, err := CleanRecord(0, fleet.BusinessRecord{Name: "Edge", Rating: ptr(rating), ReviewCount: ptr(0)})
		require.NoError(t, err)
		require.Empty(t, warnings)
		require.InDelta(t, rating, *b.Rating, 0.0001)
	}
}

func TestCleanRecordTruncatesAndClearsCoordinates(t *testing.T) {
	t.Parallel()

	b, warnings, err := CleanRecord(0, fleet.BusinessRecord{
		Name:      strings.Repeat("é", 300),
		Phone:     strings.Repeat("1", 80),
		Category:  "  Coffee shop  ",
		Latitude:  ptr(91.0),
		Longitude: ptr(-0.12),
	})
	require.NoError(t, err)
	require.Len(t, []rune(b.Name), maxNameLen)
	require.Len(t, b.Phone, maxPhoneLen)
	require.Equal(t, "Coffee shop", b.Category)
	require.Nil(t, b.Latitude)
	require.InDelta(t, -0.12, *b.Longitude, 0.0001)
	require.Len(t, warnings, 1)
	require.Equal(t, fleet.BusinessNew, b.Status)
	require.NotEmpty(t, b.Raw)
}

func TestCleanRecordAcceptsMaxInt32Reviews(t *testing.T) {
	t.Parallel()

	b, _, err := CleanRecord(0, fleet.BusinessRecord{Name: "A", ReviewCount: ptr(math.MaxInt32)})
	require.NoError(t, err)
	require.Equal(t, math.MaxInt32, *b.ReviewCount)
}

func TestCleanRecordStripsNUL(t *testing.T) {
	t.Parallel()

	b, _, err := CleanRecord(0, fleet.BusinessRecord{
		Name:     "Caf\x00e Rouge",
		Address:  "1 Rue\x00 de Rivoli",
		Category: "\x00cafe",
	})
	require.NoError(t, err)
	require.Equal(t, "Cafe Rouge", b.Name)
	require.Equal(t, "1 Rue de Rivoli", b.Address)
	require.Equal(t, "cafe", b.Category)
	require.NotContains(t, string(b.Raw), `\u0000`)

	raw := json.RawMessage(`{"name":"Bar\u0000 Italia","tags":["late\u0000"],"k\u0000ey":1.50,"note":"C:\\u0000dir"}`)
	b, _, err = CleanRecord(1, fleet.BusinessRecord{Name: "Bar\x00 Italia", Raw: raw})
	require.NoError(t, err)
	require.Equal(t, "Bar Italia", b.Name)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b.Raw, &doc))
	require.Equal(t, "Bar Italia", doc["name"])
	require.Equal(t, []any{"late"}, doc["tags"])
	require.Contains(t, doc, "key")
	require.Equal(t, `C:\u0000dir`, doc["note"])
	require.Contains(t, string(b.Raw), "1.50")
}

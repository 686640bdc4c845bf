package fleet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeywordAffinityAllows(t *testing.T) {
	t.Parallel()

	restaurants := KeywordSet("Restaurants")
	require.False(t, restaurants.IsAny())
	require.True(t, restaurants.Allows("restaurants"))
	require.True(t, restaurants.Allows("  RESTAURANTS "))
	require.False(t, restaurants.Allows("hotels"))

	anyKeyword := AnyKeyword()
	require.True(t, anyKeyword.IsAny())
	require.True(t, anyKeyword.Allows("hotels"))
	require.True(t, anyKeyword.Allows("restaurants"))
}

func TestKeywordSetIgnoresBlankEntries(t *testing.T) {
	t.Parallel()

	require.True(t, KeywordSet("  ", "").IsAny())
	require.Equal(t, []string{"bars", "cafes"}, KeywordSet("cafes", " ", "Bars", "cafes").Keywords())
}

func TestParseAffinityEmptyIsWildcard(t *testing.T) {
	t.Parallel()

	require.True(t, ParseAffinity(nil).IsAny())
	require.True(t, ParseAffinity([]string{}).IsAny())
	require.Nil(t, ParseAffinity(nil).Keywords())
	require.Equal(t, []string{"hotels"}, ParseAffinity([]string{"hotels"}).Keywords())
}

func TestKeywordAffinityJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(AnyKeyword())
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(data))

	data, err = json.Marshal(KeywordSet("hotels", "cafes"))
	require.NoError(t, err)
	require.JSONEq(t, `["cafes","hotels"]`, string(data))

	var decoded KeywordAffinity
	require.NoError(t, json.Unmarshal([]byte(`["Cafes"]`), &decoded))
	require.True(t, decoded.Allows("cafes"))

	require.NoError(t, json.Unmarshal([]byte(`null`), &decoded))
	require.True(t, decoded.IsAny())
}

package conflict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Strategy
	}{
		{raw: "", want: LastWriteWins},
		{raw: "last-write-wins", want: LastWriteWins},
		{raw: "SERVER-WINS", want: ServerWins},
		{raw: " client-wins ", want: ClientWins},
		{raw: "merge", want: Merge},
		{raw: "user-choice", want: UserChoice},
		{raw: "newest-wins", want: LastWriteWins},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Parse(tt.raw))
		})
	}
}

// Every strategy resolves identically: the incoming change wins.
func TestResolve_SinglePolicy(t *testing.T) {
	t.Parallel()

	for _, s := range Strategies {
		t.Run(string(s), func(t *testing.T) {
			t.Parallel()

			existing := Resolve(s, true)
			assert.Equal(t, Overwrite, existing)
			assert.True(t, existing.Counts())

			missing := Resolve(s, false)
			assert.Equal(t, Insert, missing)
			assert.False(t, missing.Counts())
		})
	}
}

func TestStrategy_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	var body struct {
		ConflictResolution Strategy `json:"conflictResolution"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"conflictResolution":"merge"}`), &body))
	assert.Equal(t, Merge, body.ConflictResolution)

	require.NoError(t, json.Unmarshal([]byte(`{"conflictResolution":"bogus"}`), &body))
	assert.Equal(t, LastWriteWins, body.ConflictResolution)
}

func TestDecision_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "insert", Insert.String())
	assert.Equal(t, "overwrite", Overwrite.String())
	assert.Equal(t, "Decision(7)", Decision(7).String())
}

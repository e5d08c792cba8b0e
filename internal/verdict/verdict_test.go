package verdict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerdictRoundTrip(t *testing.T) {
	for _, v := range []Verdict{Compliant, NonCompliant, Indeterminate} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var got Verdict
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, v, got)
	}
}

func TestVerdictUnknownValueRejected(t *testing.T) {
	var v Verdict
	err := json.Unmarshal([]byte(`"maybe"`), &v)
	require.Error(t, err)
}

func TestFromEntryKeepsDecisionFields(t *testing.T) {
	entry := Entry{
		Verdict:    NonCompliant,
		Confidence: 0.92,
		RuleSet:    "a1b2c3",
		CreatedAt:  time.Now().UTC(),
	}
	agg := FromEntry(entry, ProvenanceDistributed)
	require.Equal(t, NonCompliant, agg.Verdict)
	require.InDelta(t, 0.92, agg.Confidence, 1e-9)
	require.Equal(t, ProvenanceDistributed, agg.Provenance)
	require.Equal(t, "a1b2c3", agg.RuleSet)
}

func TestStageResultFailed(t *testing.T) {
	require.False(t, StageResult{Stage: "syntax"}.Failed())
	require.True(t, StageResult{Stage: "domain", Failure: "stage timeout"}.Failed())
}

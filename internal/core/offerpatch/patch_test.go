package offerpatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

func mustOffer(t *testing.T, doc string) *offer.Offer {
	t.Helper()
	o, err := offer.Parse([]byte(doc))
	require.NoError(t, err, "parsing test offer")
	return o
}

func orgA() string { return "https://a.example.org/org.json" }
func orgB() string { return "https://b.example.org/org.json" }

func makeOffer(t *testing.T, org, id string, update int64, desc string) *offer.Offer {
	t.Helper()
	doc, err := json.Marshal(map[string]interface{}{
		"id":                 id,
		"offeredBy":          org,
		"description":        desc,
		"offerCreationUTC":   1000,
		"offerUpdateUTC":     update,
		"offerExpirationUTC": 100000,
	})
	require.NoError(t, err)
	return mustOffer(t, string(doc))
}

func requireSetsEqual(t *testing.T, want, got offer.Set) {
	t.Helper()
	require.ElementsMatch(t, want.SortedKeys(), got.SortedKeys(), "set keys differ")
	for _, k := range want.SortedKeys() {
		wantDoc, err := json.Marshal(want[k])
		require.NoError(t, err)
		gotDoc, err := json.Marshal(got[k])
		require.NoError(t, err)
		require.JSONEq(t, string(wantDoc), string(gotDoc), "offer %s differs", k)
	}
}

func TestDiffApplyRoundTrip(t *testing.T) {
	unchanged := makeOffer(t, orgA(), "same", 2000, "still here")
	removed := makeOffer(t, orgA(), "gone", 2000, "will be removed")
	before := makeOffer(t, orgB(), "edited", 2000, "old text")
	after := makeOffer(t, orgB(), "edited", 3000, "new text")
	added := makeOffer(t, orgB(), "fresh", 2500, "brand new")

	tests := []struct {
		name string
		a, b offer.Set
	}{
		{"identical", offer.NewSet(unchanged), offer.NewSet(unchanged)},
		{"add only", offer.NewSet(), offer.NewSet(added)},
		{"remove only", offer.NewSet(removed), offer.NewSet()},
		{"change only", offer.NewSet(before), offer.NewSet(after)},
		{"mixed", offer.NewSet(unchanged, removed, before), offer.NewSet(unchanged, after, added)},
		{"both empty", offer.NewSet(), offer.NewSet()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patches, err := Diff(tt.a, tt.b)
			require.NoError(t, err, "Diff")
			got, err := Apply(tt.a, patches)
			require.NoError(t, err, "Apply")
			requireSetsEqual(t, tt.b, got)
		})
	}
}

func TestDiffIdenticalSetsIsEmpty(t *testing.T) {
	o := makeOffer(t, orgA(), "x", 2000, "desc")
	patches, err := Diff(offer.NewSet(o), offer.NewSet(o))
	require.NoError(t, err)
	require.Empty(t, patches, "identical sets must produce no patches")
}

func TestDiffIsDeterministic(t *testing.T) {
	a := offer.NewSet(
		makeOffer(t, orgA(), "one", 2000, "1"),
		makeOffer(t, orgB(), "two", 2000, "2"),
	)
	b := offer.NewSet(
		makeOffer(t, orgA(), "one", 3000, "1b"),
		makeOffer(t, orgB(), "three", 2000, "3"),
	)
	first, err := Diff(a, b)
	require.NoError(t, err)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Diff(a, b)
		require.NoError(t, err)
		againJSON, err := json.Marshal(again)
		require.NoError(t, err)
		require.Equal(t, string(firstJSON), string(againJSON), "diff output changed between runs")
	}
}

func TestClearEmptiesWorkingSet(t *testing.T) {
	base := offer.NewSet(makeOffer(t, orgA(), "x", 2000, "d"))
	added := makeOffer(t, orgB(), "y", 2000, "fresh")
	addPatch, err := NewAdd(added)
	require.NoError(t, err)

	got, err := Apply(base, []Patch{NewClear(), addPatch})
	require.NoError(t, err)
	requireSetsEqual(t, offer.NewSet(added), got)
}

func TestApplyVersionMismatchRejected(t *testing.T) {
	current := makeOffer(t, orgA(), "x", 3000, "current")
	stale := makeOffer(t, orgA(), "x", 2000, "stale")
	next := makeOffer(t, orgA(), "x", 4000, "next")

	patch, changed, err := DiffOffer(stale, next)
	require.NoError(t, err)
	require.True(t, changed)

	_, err = Apply(offer.NewSet(current), []Patch{patch})
	require.Error(t, err)
	require.Equal(t, status.CodePatchRejected, status.CodeOf(err))
}

func TestApplyMissingTargetRejected(t *testing.T) {
	patch, err := NewRemove(offer.VersionedRef{
		Ref:               offer.Ref{OfferID: "ghost", PostingOrgURL: orgA()},
		LastUpdateTimeUTC: 2000,
	})
	require.NoError(t, err)
	_, err = Apply(offer.NewSet(), []Patch{patch})
	require.Error(t, err)
	require.Equal(t, status.CodePatchRejected, status.CodeOf(err))
}

func TestApplyMalformedOpsRejected(t *testing.T) {
	current := makeOffer(t, orgA(), "x", 2000, "d")
	patch := Patch{
		Target: &Target{OfferID: "x", PostingOrgURL: orgA()},
		Ops:    json.RawMessage(`[{"op":"teleport","path":"/description"}]`),
	}
	_, err := Apply(offer.NewSet(current), []Patch{patch})
	require.Error(t, err)
	require.Equal(t, status.CodePatchRejected, status.CodeOf(err))
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	before := makeOffer(t, orgA(), "x", 2000, "old")
	after := makeOffer(t, orgA(), "x", 3000, "new")
	base := offer.NewSet(before)

	patches, err := Diff(base, offer.NewSet(after))
	require.NoError(t, err)
	_, err = Apply(base, patches)
	require.NoError(t, err)

	require.Equal(t, "old", base[before.Key()].Description, "Apply mutated its input")
	require.Equal(t, int64(2000), base[before.Key()].LastUpdateUTC())
}

func TestPatchWireFormat(t *testing.T) {
	added := makeOffer(t, orgA(), "x", 2000, "d")
	addPatch, err := NewAdd(added)
	require.NoError(t, err)

	encoded, err := json.Marshal([]Patch{NewClear(), addPatch})
	require.NoError(t, err)

	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &raw))
	require.Len(t, raw, 2)
	require.JSONEq(t, `"clear"`, string(raw[0]), "clear must encode as a bare string")

	var decoded []Patch
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.True(t, decoded[0].Clear)
	require.NotNil(t, decoded[1].Target)
	require.Equal(t, "x", decoded[1].Target.OfferID)
}

func TestUnknownLiteralRejected(t *testing.T) {
	var p Patch
	err := json.Unmarshal([]byte(`"reset"`), &p)
	require.Error(t, err)
	require.Equal(t, status.CodePatchRejected, status.CodeOf(err))
}

func TestRemoveTargetsCarryOldVersion(t *testing.T) {
	removed := makeOffer(t, orgA(), "gone", 4242, "bye")
	patches, err := Diff(offer.NewSet(removed), offer.NewSet())
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].Target.LastUpdateTimeUTC)
	require.Equal(t, int64(4242), *patches[0].Target.LastUpdateTimeUTC)
}

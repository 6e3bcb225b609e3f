package oracleclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMilestoneWire_ToModel_ParsesDecimalFields(t *testing.T) {
	w := milestoneWire{
		MilestoneID: "42",
		StartBlock:  "100",
		EndBlock:    "164",
		Hash:        "0xabc",
		Proposer:    "0xfeed",
		Timestamp:   "1700000000",
		BorChainID:  "137",
	}

	m, err := w.toModel(7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), m.SequenceID)
	require.Equal(t, uint64(42), m.MilestoneID)
	require.Equal(t, uint64(100), m.StartBlock)
	require.Equal(t, uint64(164), m.EndBlock)
	require.Equal(t, "0xabc", m.Hash)
	require.NotNil(t, m.Proposer)
	require.Equal(t, "0xfeed", *m.Proposer)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), m.Timestamp)
}

func TestMilestoneWire_ToModel_EmptyProposerLeavesNil(t *testing.T) {
	w := milestoneWire{
		MilestoneID: "1",
		StartBlock:  "1",
		EndBlock:    "1",
		Timestamp:   "0",
	}
	m, err := w.toModel(1)
	require.NoError(t, err)
	require.Nil(t, m.Proposer)
}

func TestMilestoneWire_ToModel_RejectsMalformedStartBlock(t *testing.T) {
	w := milestoneWire{
		MilestoneID: "1",
		StartBlock:  "not-a-number",
		EndBlock:    "1",
		Timestamp:   "0",
	}
	_, err := w.toModel(1)
	require.Error(t, err)
}

func TestErrExhausted_UnwrapsLastErr(t *testing.T) {
	inner := require.AnError
	e := &ErrExhausted{Method: "/milestones/count", LastErr: inner}
	require.ErrorIs(t, e, inner)
	require.Contains(t, e.Error(), "/milestones/count")
}

func TestAddJitter_StaysWithinBound(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := addJitter(d)
		require.GreaterOrEqual(t, got, time.Duration(0))
		require.LessOrEqual(t, got, d)
	}
}

func TestAddJitter_ZeroStaysZero(t *testing.T) {
	require.Equal(t, time.Duration(0), addJitter(0))
}

func TestPickIndex_RotatesAcrossEndpoints(t *testing.T) {
	c := &Client{endpoints: []string{"a", "b", "c"}}
	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		seen[c.pickIndex()] = true
	}
	require.Len(t, seen, 3)
}

func TestNew_RejectsEmptyEndpoints(t *testing.T) {
	_, err := New(nil, DefaultRetryPolicy())
	require.Error(t, err)
}

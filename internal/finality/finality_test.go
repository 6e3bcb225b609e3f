package finality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/models"
	"ingestd/internal/obslog"
	"ingestd/internal/pushsink"
)

type fakeStore struct {
	timestamps     map[uint64]time.Time
	inserted       []models.BlockFinality
	touchCalls     int
	finalizedRange []models.Block
}

func (s *fakeStore) BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]time.Time, error) {
	return s.timestamps, nil
}

func (s *fakeStore) InsertBlockFinality(ctx context.Context, rows []models.BlockFinality) error {
	s.inserted = rows
	return nil
}

func (s *fakeStore) TouchBlocksFinality(ctx context.Context, warmSince time.Time) (int, error) {
	s.touchCalls++
	return 0, nil
}

func (s *fakeStore) BlocksFinalizedBetween(ctx context.Context, start, end uint64) ([]models.Block, error) {
	return s.finalizedRange, nil
}

func TestReconcile_BuildsFinalityRowForEveryBlockInRange(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	earlier := now.Add(-5 * time.Second)
	store := &fakeStore{
		timestamps: map[uint64]time.Time{100: earlier},
	}
	w := New(store, pushsink.New("", time.Second, obslog.Nop()), obslog.Nop())

	m := models.Milestone{SequenceID: 1, MilestoneID: 101, StartBlock: 100, EndBlock: 101, Timestamp: now}
	err := w.Reconcile(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, store.inserted, 2)

	var row100 models.BlockFinality
	for _, r := range store.inserted {
		if r.BlockNumber == 100 {
			row100 = r
		}
	}
	require.NotNil(t, row100.TimeToFinalitySec)
	require.InDelta(t, 5.0, *row100.TimeToFinalitySec, 0.001)
	require.Equal(t, 1, store.touchCalls)
}

func TestReconcile_UnknownTimestampLeavesTimeToFinalityNull(t *testing.T) {
	store := &fakeStore{timestamps: map[uint64]time.Time{}}
	w := New(store, pushsink.New("", time.Second, obslog.Nop()), obslog.Nop())

	m := models.Milestone{SequenceID: 1, MilestoneID: 100, StartBlock: 100, EndBlock: 100, Timestamp: time.Now()}
	err := w.Reconcile(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)
	require.Nil(t, store.inserted[0].TimeToFinalitySec)
}

func TestReconcile_RejectsInvertedRange(t *testing.T) {
	store := &fakeStore{}
	w := New(store, pushsink.New("", time.Second, obslog.Nop()), obslog.Nop())

	m := models.Milestone{SequenceID: 1, StartBlock: 10, EndBlock: 5, Timestamp: time.Now()}
	err := w.Reconcile(context.Background(), m)
	require.Error(t, err)
}

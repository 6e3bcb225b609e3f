package reorg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestd/internal/obslog"
)

type fakeStore struct {
	blocks        map[uint64]*BlockRef
	finalizedFrom uint64 // any stored block >= this height is "finalized"; 0 disables
	archivedFrom  uint64
	archiveCalls  int
}

func (s *fakeStore) GetBlockByNumber(ctx context.Context, number uint64) (*BlockRef, error) {
	return s.blocks[number], nil
}

func (s *fakeStore) AnyFinalizedAtOrAbove(ctx context.Context, height uint64) (bool, error) {
	return s.finalizedFrom != 0 && height >= s.finalizedFrom, nil
}

func (s *fakeStore) ArchiveAndDeleteFromHeight(ctx context.Context, fromHeight uint64, replacedByHash string) (int, error) {
	s.archivedFrom = fromHeight
	s.archiveCalls++
	count := 0
	for n := range s.blocks {
		if n >= fromHeight {
			count++
		}
	}
	return count, nil
}

type fakeChain struct {
	hashes map[uint64]string
}

func (c *fakeChain) BlockHashAndParent(ctx context.Context, number uint64) (string, string, error) {
	h, ok := c.hashes[number]
	if !ok {
		return "", "", errors.New("not found")
	}
	return h, "", nil
}

func TestCheck_NoReorgWhenParentMatches(t *testing.T) {
	store := &fakeStore{blocks: map[uint64]*BlockRef{
		9: {Number: 9, Hash: "h9"},
	}}
	chain := &fakeChain{}
	d := New(store, chain, 10, obslog.Nop())

	res, err := d.Check(context.Background(), 10, "h10", "h9")
	require.NoError(t, err)
	require.False(t, res.Reorged)
	require.Equal(t, 0, store.archiveCalls)
}

func TestCheck_NoReorgWhenParentUnknown(t *testing.T) {
	store := &fakeStore{blocks: map[uint64]*BlockRef{}}
	chain := &fakeChain{}
	d := New(store, chain, 10, obslog.Nop())

	res, err := d.Check(context.Background(), 10, "h10", "h9-unknown")
	require.NoError(t, err)
	require.False(t, res.Reorged)
}

func TestCheck_Depth1Reorg(t *testing.T) {
	store := &fakeStore{blocks: map[uint64]*BlockRef{
		8: {Number: 8, Hash: "h8"},
		9: {Number: 9, Hash: "stale-h9"},
	}}
	chain := &fakeChain{hashes: map[uint64]string{
		8: "h8",
	}}
	d := New(store, chain, 10, obslog.Nop())

	res, err := d.Check(context.Background(), 10, "h10", "new-h9")
	require.NoError(t, err)
	require.True(t, res.Reorged)
	require.Equal(t, uint64(1), res.Depth)
	require.Equal(t, uint64(9), res.RewindToBlock)
	require.Equal(t, 1, store.archiveCalls)
}

func TestCheck_FinalityViolationIsFatal(t *testing.T) {
	store := &fakeStore{
		blocks: map[uint64]*BlockRef{
			8: {Number: 8, Hash: "h8"},
			9: {Number: 9, Hash: "stale-h9"},
		},
		finalizedFrom: 9,
	}
	chain := &fakeChain{hashes: map[uint64]string{
		8: "h8",
	}}
	d := New(store, chain, 10, obslog.Nop())

	_, err := d.Check(context.Background(), 10, "h10", "new-h9")
	require.ErrorIs(t, err, ErrFinalityViolation)
	require.Equal(t, 0, store.archiveCalls)
}

func TestCheck_ExceedsMaxDepth(t *testing.T) {
	store := &fakeStore{blocks: map[uint64]*BlockRef{
		9: {Number: 9, Hash: "stale-h9"},
		8: {Number: 8, Hash: "stale-h8"},
	}}
	chain := &fakeChain{hashes: map[uint64]string{
		8: "chain-h8",
	}}
	d := New(store, chain, 1, obslog.Nop())

	_, err := d.Check(context.Background(), 10, "h10", "new-h9")
	require.Error(t, err)
}

func TestCheck_GenesisNeverReorgs(t *testing.T) {
	store := &fakeStore{}
	chain := &fakeChain{}
	d := New(store, chain, 10, obslog.Nop())

	res, err := d.Check(context.Background(), 0, "h0", "")
	require.NoError(t, err)
	require.False(t, res.Reorged)
}

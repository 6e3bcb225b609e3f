// Package reorg detects and repairs a divergence between the stored
// chain and the execution layer's current view, grounded on the
// upstream service's parent-hash-chain verifier, adapted from a
// plain-delete rollback to an archive-then-delete one: a displaced
// block's payload is preserved in an immutable table rather than lost.
package reorg

import (
	"context"
	"errors"
	"fmt"

	"ingestd/internal/obslog"
)

// ErrFinalityViolation is fatal: the detector walked back into a block
// the store already marked finalized. A finalized block can only change
// if the finality oracle itself reorganised, which this engine treats as
// an operator-visible integrity failure rather than something to repair
// automatically.
var ErrFinalityViolation = errors.New("reorg: walked back into a finalized block")

// Store is the subset of repository.Store the detector needs.
type Store interface {
	GetBlockByNumber(ctx context.Context, number uint64) (*BlockRef, error)
	AnyFinalizedAtOrAbove(ctx context.Context, height uint64) (bool, error)
	ArchiveAndDeleteFromHeight(ctx context.Context, fromHeight uint64, replacedByHash string) (int, error)
}

// BlockRef is the minimal stored-block view the detector compares
// against the chain tip.
type BlockRef struct {
	Number     uint64
	Hash       string
	ParentHash string
}

// ChainReader is the subset of rpcclient.Client the detector needs.
type ChainReader interface {
	BlockHashAndParent(ctx context.Context, number uint64) (hash, parentHash string, err error)
}

// Detector walks backward from a newly-fetched block's parent hash,
// comparing against what is already stored, until it finds the common
// ancestor or exhausts MaxDepth.
type Detector struct {
	store    Store
	chain    ChainReader
	maxDepth uint64
	log      *obslog.Logger
}

func New(store Store, chain ChainReader, maxDepth uint64, log *obslog.Logger) *Detector {
	return &Detector{store: store, chain: chain, maxDepth: maxDepth, log: log}
}

// Result describes what the detector found and did.
type Result struct {
	Reorged       bool
	Depth         uint64
	RewindToBlock uint64
	Archived      int
}

// Check verifies that newBlock's parent hash matches the stored block at
// newBlock.Number-1. If it does, there is no reorg. If it doesn't, it
// walks further back (up to MaxDepth) to find the last height where the
// two views agree, then archives and deletes every stored block from
// there forward.
func (d *Detector) Check(ctx context.Context, newNumber uint64, newHash, newParentHash string) (Result, error) {
	if newNumber == 0 {
		return Result{}, nil
	}
	parentHeight := newNumber - 1
	stored, err := d.getStoredRef(ctx, parentHeight)
	if err != nil {
		return Result{}, err
	}
	if stored == nil || stored.Hash == newParentHash {
		return Result{}, nil
	}

	d.log.Warnw("parent hash mismatch, walking back for common ancestor",
		"block", newNumber, "expectedParent", newParentHash, "storedHash", stored.Hash)

	divergedAt := parentHeight
	foundAncestor := false
	for depth := uint64(1); depth <= d.maxDepth && divergedAt > 0; depth++ {
		candidateHeight := divergedAt - 1
		chainHash, _, err := d.chain.BlockHashAndParent(ctx, candidateHeight)
		if err != nil {
			return Result{}, fmt.Errorf("fetching chain block %d during reorg walk: %w", candidateHeight, err)
		}
		storedCandidate, err := d.getStoredRef(ctx, candidateHeight)
		if err != nil {
			return Result{}, err
		}
		if storedCandidate == nil || storedCandidate.Hash == chainHash {
			divergedAt = candidateHeight + 1
			foundAncestor = true
			break
		}
		divergedAt = candidateHeight
	}
	if !foundAncestor && divergedAt != 0 {
		return Result{}, fmt.Errorf("reorg: exceeded max depth %d without finding common ancestor below block %d", d.maxDepth, newNumber)
	}

	finalizedHit, err := d.store.AnyFinalizedAtOrAbove(ctx, divergedAt)
	if err != nil {
		return Result{}, err
	}
	if finalizedHit {
		return Result{}, ErrFinalityViolation
	}

	archived, err := d.store.ArchiveAndDeleteFromHeight(ctx, divergedAt, newHash)
	if err != nil {
		return Result{}, fmt.Errorf("archiving reorged blocks: %w", err)
	}

	d.log.Warnw("reorg repaired", "rewindToBlock", divergedAt, "archived", archived)
	return Result{
		Reorged:       true,
		Depth:         newNumber - divergedAt,
		RewindToBlock: divergedAt,
		Archived:      archived,
	}, nil
}

func (d *Detector) getStoredRef(ctx context.Context, height uint64) (*BlockRef, error) {
	b, err := d.store.GetBlockByNumber(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("reading stored block %d: %w", height, err)
	}
	return b, nil
}

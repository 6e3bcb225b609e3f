// Package models holds the plain data shapes shared between the repository,
// the indexers/backfillers, and the metrics computer. Nothing in this
// package talks to the network or the store; it exists so every other
// package can agree on one representation.
package models

import "time"

// Block represents one row of the 'blocks' table.
//
// AvgPriorityFeeGwei and TotalPriorityFeeGwei are nullable: they require
// receipt data (gasUsed per transaction) and are left nil until every
// transaction in the block has been joined to its receipt.
type Block struct {
	Number     uint64    `json:"block_number"`
	Hash       string    `json:"block_hash"`
	ParentHash string    `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`

	GasUsed  uint64 `json:"gas_used"`
	GasLimit uint64 `json:"gas_limit"`
	TxCount  int    `json:"tx_count"`

	BaseFeeGwei          float64  `json:"base_fee_gwei"`
	MinPriorityFeeGwei   *float64 `json:"min_priority_fee_gwei,omitempty"`
	MaxPriorityFeeGwei   *float64 `json:"max_priority_fee_gwei,omitempty"`
	MedianPriorityFeeGwei *float64 `json:"median_priority_fee_gwei,omitempty"`
	AvgPriorityFeeGwei   *float64 `json:"avg_priority_fee_gwei,omitempty"`
	TotalPriorityFeeGwei *float64 `json:"total_priority_fee_gwei,omitempty"`

	BlockTimeSec *float64 `json:"block_time_sec,omitempty"`
	MgasPerSec   *float64 `json:"mgas_per_sec,omitempty"`
	Tps          *float64 `json:"tps,omitempty"`

	Finalized         bool       `json:"finalized"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty"`
	MilestoneID       *uint64    `json:"milestone_id,omitempty"`
	TimeToFinalitySec *float64   `json:"time_to_finality_sec,omitempty"`

	// Transactions carries the raw per-tx view used to compute metrics; it is
	// not persisted directly (no 'transactions' table in this engine's scope).
	Transactions []Transaction `json:"-"`
}

// Transaction is the subset of an execution-layer transaction the metrics
// computer needs. GasUsed is populated only once a receipt has been joined.
type Transaction struct {
	Hash                 string
	GasLimit             uint64
	GasUsed              *uint64
	MaxPriorityFeePerGas *string // decimal wei string; nil if the tx predates EIP-1559
	GasPrice             *string // decimal wei string; legacy transactions
}

// Receipt is the subset of a transaction receipt used for enrichment.
type Receipt struct {
	TxHash           string
	EffectiveGasPrice string // decimal wei string
	GasUsed          uint64
}

// Milestone represents one row of the 'milestones' table: a finality
// attestation from the consensus layer covering [StartBlock, EndBlock].
type Milestone struct {
	SequenceID uint64    `json:"sequence_id"`
	MilestoneID uint64   `json:"milestone_id"` // == EndBlock
	StartBlock uint64    `json:"start_block"`
	EndBlock   uint64    `json:"end_block"`
	Hash       string    `json:"hash"`
	Proposer   *string   `json:"proposer,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// BlockFinality represents one row of the 'block_finality' table, written
// eagerly for every block number covered by an incoming milestone, even if
// the corresponding block row does not exist yet.
type BlockFinality struct {
	BlockNumber       uint64     `json:"block_number"`
	MilestoneID       uint64     `json:"milestone_id"`
	FinalizedAt       time.Time  `json:"finalized_at"`
	TimeToFinalitySec *float64   `json:"time_to_finality_sec,omitempty"`
}

// ReorgedBlock is an immutable archive row: a prior block's payload plus
// when it was displaced and by which hash.
type ReorgedBlock struct {
	Block
	ReorgedAt     time.Time `json:"reorged_at"`
	ReplacedByHash string   `json:"replaced_by_hash"`
}

// Cursor is one row per indexer service: (service_name, last_position,
// last_hash, updated_at). LastPosition is a block number or a sequence id,
// interpreted by the owning worker.
type Cursor struct {
	ServiceName  string    `json:"service_name"`
	LastPosition uint64    `json:"last_position"`
	LastHash     string    `json:"last_hash,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableStats is one row per hot table, maintained incrementally on every
// insert so readers get O(1) headline numbers instead of scanning
// compressed time-partitioned chunks.
type TableStats struct {
	TableName      string `json:"table_name"`
	MinValue       uint64 `json:"min_value"`
	MaxValue       uint64 `json:"max_value"`
	TotalCount     uint64 `json:"total_count"`
	FinalizedCount uint64 `json:"finalized_count,omitempty"`
	MinFinalized   uint64 `json:"min_finalized,omitempty"`
	MaxFinalized   uint64 `json:"max_finalized,omitempty"`
}

// WorkerState is the operator-facing status of one long-running worker.
type WorkerState string

const (
	WorkerRunning WorkerState = "running"
	WorkerIdle    WorkerState = "idle"
	WorkerError   WorkerState = "error"
	WorkerStopped WorkerState = "stopped"
)

// WorkerStatus is one row of 'worker_status'.
type WorkerStatus struct {
	Name        string      `json:"name"`
	State       WorkerState `json:"state"`
	LastError   string      `json:"last_error,omitempty"`
	LastErrorAt *time.Time  `json:"last_error_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

package mempool

import (
	"handelbft/types"
)

// Mempool assembles candidate blocks from pending transactions. The
// consensus core only ever sees the resulting hash: candidate assembly and
// transaction semantics live behind this interface.
type Mempool interface {
	// CandidateValue returns the hash of the candidate block for the given
	// height. Only the round's designated proposer calls it. An empty hash
	// means there is nothing to propose.
	CandidateValue(height int64) types.BlockHash

	// Lock locks the mempool. Callers must lock around Update.
	Lock()

	// Unlock unlocks the mempool.
	Unlock()

	// Update tells the mempool a value was finalized at the given height so
	// it can drop the included transactions.
	// NOTE: caller is responsible for Lock/Unlock.
	Update(height int64, value types.BlockHash) error

	// Flush drops all pending candidates.
	Flush()
}

package mock

import (
	"fmt"
	"sync"

	"github.com/tendermint/tendermint/crypto/tmhash"

	"handelbft/mempool"
	"handelbft/types"
)

// Mempool is a deterministic mempool stand-in: the candidate for height h is
// the hash of "candidate/<seed>/<h>", so every node with the same seed
// proposes the same value.
// EXPOSED FOR TESTING.
type Mempool struct {
	mtx  sync.Mutex
	seed string

	finalized map[int64]types.BlockHash
}

var _ mempool.Mempool = (*Mempool)(nil)

func NewMempool(seed string) *Mempool {
	return &Mempool{
		seed:      seed,
		finalized: make(map[int64]types.BlockHash),
	}
}

func (mem *Mempool) CandidateValue(height int64) types.BlockHash {
	return tmhash.Sum([]byte(fmt.Sprintf("candidate/%s/%d", mem.seed, height)))
}

func (mem *Mempool) Lock()   { mem.mtx.Lock() }
func (mem *Mempool) Unlock() { mem.mtx.Unlock() }

func (mem *Mempool) Update(height int64, value types.BlockHash) error {
	mem.finalized[height] = value
	return nil
}

func (mem *Mempool) Flush() {
	mem.mtx.Lock()
	mem.finalized = make(map[int64]types.BlockHash)
	mem.mtx.Unlock()
}

// Finalized returns the value recorded for a height via Update.
func (mem *Mempool) Finalized(height int64) types.BlockHash {
	mem.mtx.Lock()
	defer mem.mtx.Unlock()
	return mem.finalized[height]
}

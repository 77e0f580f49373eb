package store

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"handelbft/types"
)

var (
	blockPrefix  = []byte("block/")
	proofPrefix  = []byte("proof/")
	heightKey    = []byte("finalized_height")

	// ErrNotFound is returned when no finalized block exists at a height.
	ErrNotFound = errors.New("no finalized block at height")
)

// BlockStore persists finalized blocks and their finality proofs. That pair
// is the only consensus state that survives a restart: a node that crashes
// mid-round re-enters via state sync or round timeout from peers.
type BlockStore struct {
	mtx    sync.RWMutex
	db     tmdb.DB
	logger log.Logger

	height int64
}

// NewBlockStore opens a goleveldb-backed store under dir.
func NewBlockStore(name, dir string, logger log.Logger) (*BlockStore, error) {
	db, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "opening block store")
	}
	return NewBlockStoreWithDB(db, logger), nil
}

func NewBlockStoreWithDB(db tmdb.DB, logger log.Logger) *BlockStore {
	bs := &BlockStore{db: db, logger: logger}
	bs.height = bs.loadHeight()
	return bs
}

// Height returns the highest finalized height, 0 when empty.
func (bs *BlockStore) Height() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// SaveFinalized stores the block and its proof under the block's height.
func (bs *BlockStore) SaveFinalized(block *types.Block, proof *types.FinalityProof) error {
	if block == nil || proof == nil {
		return errors.New("nil block or proof")
	}

	blockBz, err := tmjson.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshalling block")
	}
	proofBz, err := tmjson.Marshal(proof)
	if err != nil {
		return errors.Wrap(err, "marshalling proof")
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(heightedKey(blockPrefix, block.Height), blockBz); err != nil {
		return err
	}
	if err := batch.Set(heightedKey(proofPrefix, block.Height), proofBz); err != nil {
		return err
	}
	if block.Height > bs.height {
		if err := batch.Set(heightKey, encodeHeight(block.Height)); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "writing finalized block")
	}

	if block.Height > bs.height {
		bs.height = block.Height
	}
	bs.logger.Debug("saved finalized block", "height", block.Height, "hash", block.Hash)
	return nil
}

// LoadFinalized returns the block and proof stored at height.
func (bs *BlockStore) LoadFinalized(height int64) (*types.Block, *types.FinalityProof, error) {
	blockBz, err := bs.db.Get(heightedKey(blockPrefix, height))
	if err != nil {
		return nil, nil, err
	}
	if blockBz == nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "height %d", height)
	}
	proofBz, err := bs.db.Get(heightedKey(proofPrefix, height))
	if err != nil {
		return nil, nil, err
	}

	block := new(types.Block)
	if err := tmjson.Unmarshal(blockBz, block); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshalling block")
	}
	proof := new(types.FinalityProof)
	if err := tmjson.Unmarshal(proofBz, proof); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshalling proof")
	}
	return block, proof, nil
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func (bs *BlockStore) loadHeight() int64 {
	bz, err := bs.db.Get(heightKey)
	if err != nil || len(bz) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(bz))
}

func heightedKey(prefix []byte, height int64) []byte {
	return append(append([]byte{}, prefix...), encodeHeight(height)...)
}

func encodeHeight(height int64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(height))
	return bz
}

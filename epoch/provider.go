package epoch

import (
	"github.com/pkg/errors"

	"handelbft/types"
)

var (
	// ErrStaleEpoch is returned when no registry is known for the epoch.
	ErrStaleEpoch = errors.New("no validator registry for epoch")
)

// DefaultEpochLength is the number of heights sharing one registry.
const DefaultEpochLength = int64(1000)

// EpochOf maps a height to its epoch for the given epoch length.
func EpochOf(height, length int64) int64 {
	if length <= 0 {
		length = DefaultEpochLength
	}
	if height <= 0 {
		return 0
	}
	return (height - 1) / length
}

// Provider supplies the validator registry at epoch boundaries. Stake
// accounting and the VRF lottery that derive the roster are external; the
// consensus driver only swaps registries through this interface.
type Provider interface {
	Registry(epoch int64) (*types.ValidatorRegistry, error)
}

//----------------------------------------

// StaticProvider serves one fixed registry for every epoch: the single-epoch
// deployment, and the default for tests.
type StaticProvider struct {
	reg *types.ValidatorRegistry
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(reg *types.ValidatorRegistry) *StaticProvider {
	return &StaticProvider{reg: reg}
}

func (p *StaticProvider) Registry(epoch int64) (*types.ValidatorRegistry, error) {
	if p.reg == nil {
		return nil, ErrStaleEpoch
	}
	return p.reg, nil
}

//----------------------------------------

// TableProvider serves per-epoch registries from a prebuilt table.
type TableProvider struct {
	table map[int64]*types.ValidatorRegistry
}

var _ Provider = (*TableProvider)(nil)

func NewTableProvider(table map[int64]*types.ValidatorRegistry) *TableProvider {
	return &TableProvider{table: table}
}

func (p *TableProvider) Registry(epoch int64) (*types.ValidatorRegistry, error) {
	reg, ok := p.table[epoch]
	if !ok {
		return nil, errors.Wrapf(ErrStaleEpoch, "epoch %d", epoch)
	}
	return reg, nil
}

package types

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// GenesisValidator is one roster entry of the genesis file.
type GenesisValidator struct {
	PubKey crypto.PubKey `json:"pub_key"`
	Weight int64         `json:"weight"`
	Name   string        `json:"name,omitempty"`
}

// GenesisDoc defines the initial conditions of the chain: the network
// identity and the epoch-0 validator roster. Registry indices follow the
// file order, so every node derives the identical registry from it.
type GenesisDoc struct {
	GenesisTime time.Time          `json:"genesis_time"`
	ChainID     string             `json:"chain_id"`
	EpochLength int64              `json:"epoch_length,omitempty"`
	Validators  []GenesisValidator `json:"validators"`
}

// Registry builds the epoch-0 validator registry from the roster.
func (genDoc *GenesisDoc) Registry() *ValidatorRegistry {
	valz := make([]*Validator, len(genDoc.Validators))
	for i, gv := range genDoc.Validators {
		valz[i] = NewValidator(int32(i), gv.PubKey, gv.Weight)
	}
	return NewValidatorRegistry(valz)
}

// ValidateAndComplete checks the consistency of the doc and fills defaults.
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.Validators) == 0 {
		return errors.New("genesis doc must include at least one validator")
	}
	for i, gv := range genDoc.Validators {
		if gv.PubKey == nil {
			return fmt.Errorf("genesis validator #%d has no pub_key", i)
		}
		if gv.Weight <= 0 {
			return fmt.Errorf("genesis validator #%d has non-positive weight %d", i, gv.Weight)
		}
	}
	if genDoc.EpochLength < 0 {
		return fmt.Errorf("negative epoch_length: %d", genDoc.EpochLength)
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now()
	}
	return nil
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tmos.WriteFile(file, genDocBytes, 0644)
}

// GenesisDocFromJSON unmarshals and validates a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := tmjson.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

// GenesisDocFromFile reads and validates the GenesisDoc at genDocFile.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read GenesisDoc file")
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading GenesisDoc at %v", genDocFile)
	}
	return genDoc, nil
}

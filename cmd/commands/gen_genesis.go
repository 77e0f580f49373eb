package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"handelbft/crypto/bls"
	"handelbft/epoch"
	"handelbft/types"
)

var (
	chainID      string
	clusterCount int
	epochLength  int64
)

// GenGenesisCmd writes a genesis file for a test cluster: clusterCount
// deterministic validators with seeds 1..clusterCount, so each node can
// regenerate its own key with `gen-validator --seed <i>`.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for a test cluster",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "chain id for the cluster")
	GenGenesisCmd.Flags().IntVar(&clusterCount, "cluster-count", 4, "number of validators in the roster")
	GenGenesisCmd.Flags().Int64Var(&epochLength, "epoch-length", epoch.DefaultEpochLength, "heights per registry epoch")
	GenGenesisCmd.MarkFlagRequired("cluster-count")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file, exiting", "path", genFile)
		return nil
	}

	valList := make([]types.GenesisValidator, clusterCount)
	for id := 1; id <= clusterCount; id++ {
		priv := bls.GenPrivKeyWithSeed(int64(id))
		valList[id-1] = types.GenesisValidator{
			PubKey: priv.PubKey(),
			Weight: 1,
			Name:   fmt.Sprintf("validator-%v", id),
		}
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
		EpochLength: epochLength,
		Validators:  valList,
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "validators", clusterCount)
	return nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"handelbft/privval"
)

var seed int64

// GenValidatorCmd generates the validator's BLS keypair.
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator BLS keypair",
	PreRun:  deprecateSnakeCase,
	Run:     genValidator,
}

func init() {
	GenValidatorCmd.Flags().Int64Var(&seed, "seed", 0,
		"deterministic key seed; 0 draws a random key")
}

func genValidator(cmd *cobra.Command, args []string) {
	privValKeyFile := config.PrivValidatorKeyFile()
	privValStateFile := config.PrivValidatorStateFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return
	}

	var pv *privval.FilePV
	if seed != 0 {
		pv = privval.GenFilePVWithSeed(privValKeyFile, privValStateFile, seed)
	} else {
		pv = privval.GenFilePV(privValKeyFile, privValStateFile)
	}
	pv.Save()

	jsbz, err := json.Marshal(pv)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%v\n", string(jsbz))
}

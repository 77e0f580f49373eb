// wswatch tails a node's finality feed over websocket and prints one line
// per finalized block, optionally verifying each proof against a genesis
// file's registry.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/libs/log"

	"handelbft/ledger"
	"handelbft/types"
)

const (
	readTimeout = 120 * time.Second
	pingPeriod  = 30 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/finality_feed"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

func main() {
	var (
		host    = flag.String("host", "127.0.0.1:26657", "node rpc host:port")
		genFile = flag.String("genesis", "", "genesis file; when set, every proof is verified against its registry")
	)
	flag.Parse()

	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))

	var (
		chainID  string
		registry *types.ValidatorRegistry
	)
	if *genFile != "" {
		genDoc, err := types.GenesisDocFromFile(*genFile)
		if err != nil {
			logger.Error("failed to load genesis", "err", err)
			os.Exit(1)
		}
		chainID = genDoc.ChainID
		registry = genDoc.Registry()
		logger.Info("verifying proofs", "chain_id", chainID, "validators", registry.Size())
	}

	conn, _, err := connect(*host)
	if err != nil {
		logger.Error("failed to connect", "host", *host, "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("watching finality feed", "host", *host)

	go pingLoop(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			logger.Error("set read deadline failed", "err", err)
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Error("feed closed", "err", err)
			return
		}

		var applied ledger.AppliedBlock
		if err := json.Unmarshal(msg, &applied); err != nil {
			logger.Error("undecodable feed message", "err", err, "msg", string(msg))
			continue
		}

		line := fmt.Sprintf("height=%d round=%d hash=%v signers=%v",
			applied.Block.Height, applied.Block.Round, applied.Block.Hash, applied.Proof.Signers)
		if registry != nil {
			if err := applied.Proof.Verify(chainID, registry); err != nil {
				logger.Error("INVALID PROOF "+line, "err", err)
				continue
			}
			line += " proof=ok"
		}
		logger.Info(line)
	}
}

func pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
			return
		}
	}
}

package rpc

import rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpcserver.RPCFunc{
	"status":      rpcserver.NewRPCFunc(Status, ""),
	"round_state": rpcserver.NewRPCFunc(RoundState, ""),
	"finality":    rpcserver.NewRPCFunc(Finality, "height"),
	"candidate":   rpcserver.NewRPCFunc(Candidate, "height"),
	"evidence":    rpcserver.NewRPCFunc(EvidenceList, ""),
	"metrics":     rpcserver.NewRPCFunc(JSONMetrics, "label"),
}

package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

	"handelbft/consensus"
	"handelbft/epoch"
	"handelbft/ledger"
	"handelbft/libs/metric"
	"handelbft/mempool"
	memmock "handelbft/mempool/mock"
	"handelbft/privval"
	"handelbft/rpc"
	"handelbft/store"
	"handelbft/types"
)

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node ties one validator together: block store, ledger, consensus state,
// p2p switch and the rpc server.
type Node struct {
	service.BaseService

	// config
	config     *cfg.Config
	genesisDoc *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// services
	blockStore   *store.BlockStore
	ledger       ledger.Ledger
	mempool      mempool.Mempool
	consensus    *consensus.ConsensusState
	conReactor   *consensus.Reactor
	metricSet    *metric.MetricSet
	rpcListeners []net.Listener
}

type Option func(*Node)

// DefaultNewNode loads everything from the standard config file locations.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile())

	return NewNode(config, pv, nodeKey, genDoc, logger)
}

func NewNode(
	config *cfg.Config,
	pv types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	registry := genDoc.Registry()

	blockStore, err := store.NewBlockStore("blockstore", config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}

	ldgr := ledger.NewSimpleLedger(genDoc.ChainID, registry, blockStore)
	ldgr.SetLogger(logger.With("module", "ledger"))

	// candidate selection is external to the consensus core; the seeded
	// stand-in makes every node propose the same value per height
	mem := memmock.NewMempool(genDoc.ChainID)

	epochs := epoch.NewStaticProvider(registry)

	cs := consensus.NewDefaultConsensusState(
		config.Consensus, genDoc.ChainID, pv, registry, ldgr, mem,
		consensus.SetEpochProvider(epochs, genDoc.EpochLength),
	)
	cs.SetLogger(logger.With("module", "consensus"))

	conReactor := consensus.NewReactor(cs)
	conReactor.SetLogger(logger.With("module", "consensus"))

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", cs.Metrics()); err != nil {
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(config, transport, conReactor, nodeInfo, nodeKey, logger.With("module", "p2p"))

	node := &Node{
		config:     config,
		genesisDoc: genDoc,
		transport:  transport,
		sw:         sw,
		nodeInfo:   nodeInfo,
		nodeKey:    nodeKey,
		blockStore: blockStore,
		ledger:     ldgr,
		mempool:    mem,
		consensus:  cs,
		conReactor: conReactor,
		metricSet:  metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}

	return node, nil
}

func createTransport(nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

func createSwitch(
	config *cfg.Config,
	transport p2p.Transport,
	conReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger,
) *p2p.Switch {
	sw := p2p.NewSwitch(config.P2P, transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", conReactor)
	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func (n *Node) OnStart() error {
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// the switch starts the consensus reactor, which starts the state
	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " ")); err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	return nil
}

func (n *Node) OnStop() {
	for _, l := range n.rpcListeners {
		n.Logger.Info("closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("error closing listener", "listener", l, "err", err)
		}
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("error stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("error closing transport", "err", err)
	}
	if err := n.blockStore.Close(); err != nil {
		n.Logger.Error("error closing block store", "err", err)
	}
}

// startRPC serves the jsonrpc routes plus the finality websocket feed.
func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		Consensus:  n.consensus,
		BlockStore: n.blockStore,
		Ledger:     n.ledger,
		Mempool:    n.mempool,
		MetricSet:  n.metricSet,
		NodeInfo:   n.nodeInfo,
	})

	rpcLogger := n.Logger.With("module", "rpc-server")

	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

	feed := rpc.NewFinalityFeed(n.consensus, rpcLogger)
	mux.Handle("/finality_feed", feed)

	config := rpcserver.DefaultConfig()
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listener, err := rpcserver.Listen(n.config.RPC.ListenAddress, config)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
			rpcLogger.Error("rpc server stopped", "err", err)
		}
	}()

	return []net.Listener{listener}, nil
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensus
}

// splitAndTrimEmpty slices s into all subslices separated by sep, trims
// cutset from each and drops empties.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}

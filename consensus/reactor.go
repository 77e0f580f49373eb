package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/bits"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/sync"
	"github.com/tendermint/tendermint/p2p"

	"handelbft/types"
)

const (
	StateChannel        = byte(0x20)
	ProposalChannel     = byte(0x21)
	VoteChannel         = byte(0x22)
	ContributionChannel = byte(0x23)

	maxMsgSize = 1048576 // 1MB
)

// ------ Event ------
// events the consensus state fires on its event switch
const (
	EventNewProposal     = "NewProposal"
	EventNewVote         = "NewVote"
	EventNewContribution = "NewContribution"
	EventContributionOut = "ContributionOut"
	EventFinalized       = "Finalized"
)

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

// TargetedContribution pairs an outbound aggregate with the bitset of
// validators it should reach. Fired as EventContributionOut.
type TargetedContribution struct {
	Peers        *bits.BitArray
	Contribution *types.Contribution
}

// ------- Reactor ------

// Reactor bridges the consensus state and the p2p switch. Proposals and
// votes are broadcast; contributions are sent point to point following the
// aggregation partition, falling back to broadcast for targets whose peer
// is not yet known.
type Reactor struct {
	p2p.BaseReactor

	mtx sync.RWMutex

	peers    *cmap.CMap       // p2p.ID -> p2p.Peer
	valPeers map[int32]p2p.ID // validator index -> peer, learned on StateChannel

	consensus *ConsensusState
}

type ReactorOption func(*Reactor)

func NewReactor(consensus *ConsensusState, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		peers:     cmap.NewCMap(),
		valPeers:  make(map[int32]p2p.ID),
		consensus: consensus,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}

	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started")
	conR.subscribeToBroadcastEvents()

	if !conR.consensus.IsRunning() {
		if err := conR.consensus.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (conR *Reactor) OnStop() {
	conR.consensus.eventSwitch.RemoveListener(subscriber)
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed trying to stop consensus state", "error", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 StateChannel,
			Priority:           6,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 ProposalChannel,
			Priority:           8,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 VoteChannel,
			Priority:           7,
			SendQueueCapacity:  500,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 ContributionChannel,
			Priority:           9,
			SendQueueCapacity:  500,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

// AddPeer announces our validator index so the peer can route targeted
// contributions to us.
func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(string(peer.ID()), peer)

	cs := conR.consensus
	cs.mtx.Lock()
	self := cs.ValIndex
	cs.mtx.Unlock()
	if self < 0 {
		return
	}

	msg := &PeerStateMessage{ValidatorIndex: self}
	bz, err := tmjson.Marshal(msg)
	if err != nil {
		conR.Logger.Error("marshal peer state failed", "err", err)
		return
	}
	peer.Send(StateChannel, bz)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))

	conR.mtx.Lock()
	defer conR.mtx.Unlock()
	for idx, id := range conR.valPeers {
		if id == peer.ID() {
			delete(conR.valPeers, idx)
		}
	}
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive while stopped", "src", src, "chID", chID)
		return
	}

	switch chID {
	case StateChannel:
		var msg PeerStateMessage
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("unmarshal peer state failed", "err", err, "peer", src.ID())
			return
		}
		if err := msg.ValidateBasic(); err != nil {
			conR.Logger.Error("bad peer state", "err", err, "peer", src.ID())
			return
		}
		conR.mtx.Lock()
		conR.valPeers[msg.ValidatorIndex] = src.ID()
		conR.mtx.Unlock()
		conR.Logger.Debug("learned peer validator index", "peer", src.ID(), "index", msg.ValidatorIndex)

	case ProposalChannel:
		var proposal types.Proposal
		if err := tmjson.Unmarshal(msgBytes, &proposal); err != nil {
			conR.Logger.Error("unmarshal proposal failed", "err", err, "peer", src.ID())
			return
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &ProposalMessage{Proposal: &proposal},
			PeerID: src.ID(),
		}

	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("unmarshal vote failed", "err", err, "peer", src.ID())
			return
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &VoteMessage{Vote: &vote},
			PeerID: src.ID(),
		}

	case ContributionChannel:
		var c types.Contribution
		if err := tmjson.Unmarshal(msgBytes, &c); err != nil {
			conR.Logger.Error("unmarshal contribution failed", "err", err, "peer", src.ID())
			return
		}
		conR.consensus.peerMsgQueue <- msgInfo{
			Msg:    &ContributionMessage{Contribution: &c},
			PeerID: src.ID(),
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

const subscriber = "consensus-reactor"

// subscribeToBroadcastEvents relays what the consensus state has already
// verified: accepted proposals, added votes and outbound aggregates.
func (conR *Reactor) subscribeToBroadcastEvents() {
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewProposal, func(data events.EventData) {
		conR.broadcastProposal(data.(*types.Proposal))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewVote, func(data events.EventData) {
		conR.broadcastVote(data.(*types.Vote))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventContributionOut, func(data events.EventData) {
		conR.sendContribution(data.(*TargetedContribution))
	})
}

func (conR *Reactor) broadcastProposal(proposal *types.Proposal) {
	bz, err := tmjson.Marshal(proposal)
	if err != nil {
		conR.Logger.Error("marshal proposal failed", "err", err)
		return
	}
	conR.Logger.Debug("broadcasting proposal", "proposal", proposal)
	conR.Switch.Broadcast(ProposalChannel, bz)
}

func (conR *Reactor) broadcastVote(vote *types.Vote) {
	bz, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("marshal vote failed", "err", err)
		return
	}
	conR.Logger.Debug("broadcasting vote", "vote", vote)
	conR.Switch.Broadcast(VoteChannel, bz)
}

// sendContribution delivers an aggregate to the validators in the target
// bitset. Targets without a known peer mapping degrade to one broadcast,
// which costs bandwidth but never liveness.
func (conR *Reactor) sendContribution(tc *TargetedContribution) {
	bz, err := tmjson.Marshal(tc.Contribution)
	if err != nil {
		conR.Logger.Error("marshal contribution failed", "err", err)
		return
	}

	conR.mtx.RLock()
	var targets []p2p.Peer
	complete := true
	for i := 0; i < tc.Peers.Size(); i++ {
		if !tc.Peers.GetIndex(i) {
			continue
		}
		id, ok := conR.valPeers[int32(i)]
		if !ok {
			complete = false
			break
		}
		if peer, ok := conR.peers.Get(string(id)).(p2p.Peer); ok {
			targets = append(targets, peer)
		} else {
			complete = false
			break
		}
	}
	conR.mtx.RUnlock()

	if !complete {
		conR.Logger.Debug("incomplete peer map, broadcasting contribution",
			"level", tc.Contribution.Level)
		conR.Switch.Broadcast(ContributionChannel, bz)
		return
	}
	for _, peer := range targets {
		if !peer.TrySend(ContributionChannel, bz) {
			conR.Logger.Debug("contribution send queue full", "peer", peer.ID())
		}
	}
}

// --------------------------

type ProposalMessage struct {
	Proposal *types.Proposal
}

func (msg *ProposalMessage) ValidateBasic() error {
	return msg.Proposal.ValidateBasic()
}

func (msg *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", msg.Proposal)
}

type VoteMessage struct {
	Vote *types.Vote
}

func (msg *VoteMessage) ValidateBasic() error {
	return msg.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", msg.Vote)
}

type ContributionMessage struct {
	Contribution *types.Contribution
}

func (msg *ContributionMessage) ValidateBasic() error {
	return msg.Contribution.ValidateBasic()
}

func (msg *ContributionMessage) String() string {
	return fmt.Sprintf("[Contribution %v]", msg.Contribution)
}

// PeerStateMessage announces the sender's validator index on StateChannel.
type PeerStateMessage struct {
	ValidatorIndex int32 `json:"validator_index"`
}

func (msg *PeerStateMessage) ValidateBasic() error {
	if msg.ValidatorIndex < 0 {
		return fmt.Errorf("negative validator index: %d", msg.ValidatorIndex)
	}
	return nil
}

package consensus

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/bits"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	"handelbft/aggregation"
	cstype "handelbft/consensus/types"
	"handelbft/epoch"
	"handelbft/ledger"
	"handelbft/mempool"
	"handelbft/types"
)

var (
	// ErrEquivocation is returned when a signer submits a second,
	// conflicting vote for the same height/round/phase.
	ErrEquivocation = pkgerrors.New("equivocating vote")

	// ErrInvalidProposal is returned for proposals that fail verification.
	ErrInvalidProposal = pkgerrors.New("invalid proposal")
)

// ConsensusState drives one validator's sequence of rounds: it owns the
// current RoundState, the epoch's registry and the table of in-flight vote
// aggregators, dispatches inbound proposals/votes/contributions, and hands
// finalized blocks to the ledger.
//
// All state transitions for a (height, round) are serialized through the
// receive routines under one mutex: a round's phase only ever advances
// monotonically and a vote is cast at most once per phase. Aggregators for
// different targets verify concurrently on their own locks.
type ConsensusState struct {
	service.BaseService

	config  *cfg.ConsensusConfig
	chainID string

	// collaborators
	ledger      ledger.Ledger
	mempool     mempool.Mempool
	epochs      epoch.Provider
	epochLength int64

	// consensus state, guarded by mtx
	mtx sync.Mutex
	cstype.RoundState
	aggregators   map[aggKey]*aggregation.Aggregator
	castPhases    map[phaseKey]struct{} // phases this validator already voted in
	firstVotes    map[voteKey]*types.Vote
	bannedSigners map[phaseKey][]int32 // equivocators, replayed into new aggregators
	evidence      []*types.Evidence

	// message plumbing
	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	eventMsgQueue    chan msgInfo
	timeoutTicker    TimeoutTicker
	eventSwitch      events.EventSwitch

	// overridable for tests
	decideProposal func()
	setProposal    func(proposal *types.Proposal) error

	metrics *consensusMetric
}

type aggKey struct {
	height int64
	round  int32
	phase  types.PhaseType
	value  string
}

type phaseKey struct {
	height int64
	round  int32
	phase  types.PhaseType
}

type voteKey struct {
	phaseKey
	index int32
}

type ConsensusOption func(*ConsensusState)

func NewDefaultConsensusState(
	config *cfg.ConsensusConfig,
	chainID string,
	privVal types.PrivValidator,
	registry *types.ValidatorRegistry,
	ldgr ledger.Ledger,
	mem mempool.Mempool,
	options ...ConsensusOption,
) *ConsensusState {
	opts := append([]ConsensusOption{
		SetRegistry(registry),
		SetPrivValidator(privVal),
	}, options...)

	cs := NewConsensusState(config, chainID, ldgr, mem, opts...)
	cs.decideProposal = cs.defaultDecideProposal
	cs.setProposal = cs.defaultSetProposal
	return cs
}

func NewConsensusState(
	config *cfg.ConsensusConfig,
	chainID string,
	ldgr ledger.Ledger,
	mem mempool.Mempool,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:      config,
		chainID:     chainID,
		ledger:      ldgr,
		mempool:     mem,
		epochLength: epoch.DefaultEpochLength,
		RoundState: cstype.RoundState{
			Height:      ldgr.CurrentHeight() + 1,
			Round:       0,
			Step:        cstype.RoundStepNewRound,
			LockedRound: -1,
		},
		aggregators:      make(map[aggKey]*aggregation.Aggregator),
		castPhases:       make(map[phaseKey]struct{}),
		firstVotes:       make(map[voteKey]*types.Vote),
		bannedSigners:    make(map[phaseKey][]int32),
		peerMsgQueue:     make(chan msgInfo),
		internalMsgQueue: make(chan msgInfo),
		eventMsgQueue:    make(chan msgInfo),
		timeoutTicker:    NewTimeoutTicker(),
		eventSwitch:      events.NewEventSwitch(),
		metrics:          newConsensusMetric(),
	}

	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}

	return cs
}

func SetRegistry(registry *types.ValidatorRegistry) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.Validators = registry
	}
}

func SetPrivValidator(privVal types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.PrivVal = privVal
		cs.ValIndex = -1
		if privVal == nil || cs.Validators == nil {
			return
		}
		if pub, err := privVal.GetPubKey(); err == nil {
			cs.ValIndex, _ = cs.Validators.GetByAddress(types.GetAddress(pub))
		}
	}
}

// SetEpochProvider wires the registry source consulted at epoch boundaries.
func SetEpochProvider(provider epoch.Provider, length int64) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.epochs = provider
		if length > 0 {
			cs.epochLength = length
		}
	}
}

// SetTimeoutTicker replaces the ticker, for deterministic tests.
func SetTimeoutTicker(ticker TimeoutTicker) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.timeoutTicker = ticker
	}
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	if cs.timeoutTicker != nil {
		cs.timeoutTicker.SetLogger(logger)
	}
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.timeoutTicker.Start(); err != nil {
		return err
	}

	// enter the first round before serving any message, so a proposal
	// arriving right after startup always finds an elected proposer
	cs.mtx.Lock()
	cs.enterNewRound(cs.ledger.CurrentHeight()+1, 0)
	cs.mtx.Unlock()

	go cs.receiveRoutine()
	go cs.receiveEventRoutine()
	cs.Logger.Info("consensus receive routines started")
	return nil
}

func (cs *ConsensusState) OnStop() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	if err := cs.timeoutTicker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
	cs.Logger.Info("consensus server stopped")
}

//-----------------------------------------------------------------------------
// receive routines

// receiveRoutine serializes peer messages, internal messages and timeout
// ticks into handleMsg / handleTimeout.
func (cs *ConsensusState) receiveRoutine() {
	cs.Logger.Debug("consensus receive routine starts")
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit")
			return

		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)

		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)

		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

// receiveEventRoutine handles the internal round events that drive state
// transitions: round entry, quorum completions.
func (cs *ConsensusState) receiveEventRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveEventRoutine quit")
			return
		case mi := <-cs.eventMsgQueue:
			if err := mi.Msg.ValidateBasic(); err != nil {
				cs.Logger.Error("internal event validation failed", "err", err)
				continue
			}
			event := mi.Msg.(cstype.RoundEvent)
			cs.handleEvent(event)
		}
	}
}

// handleMsg dispatches one inbound message:
// ProposalMessage, VoteMessage, ContributionMessage.
func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	msg, peerID := mi.Msg, mi.PeerID

	switch msg := msg.(type) {
	case *ProposalMessage:
		if err := cs.setProposal(msg.Proposal); err != nil {
			cs.Logger.Debug("proposal not accepted", "err", err, "proposal", msg.Proposal)
			return
		}

	case *VoteMessage:
		added, err := cs.tryAddVote(msg.Vote, peerID)
		if err != nil {
			cs.Logger.Debug("vote not added", "err", err, "vote", msg.Vote)
			return
		}
		if added {
			cs.eventSwitch.FireEvent(EventNewVote, msg.Vote)
		}

	case *ContributionMessage:
		added, err := cs.tryAddContribution(msg.Contribution, peerID)
		if err != nil {
			cs.Logger.Debug("contribution not added", "err", err, "peer", peerID)
			return
		}
		if added {
			cs.eventSwitch.FireEvent(EventNewContribution, msg.Contribution)
		}

	default:
		cs.Logger.Error("unknown message type", "msg", fmt.Sprintf("%T", msg))
	}
}

// handleEvent is the state transition function.
func (cs *ConsensusState) handleEvent(event cstype.RoundEvent) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	cs.Logger.Debug("received event", "event", event)

	if event.Type != cstype.RoundEventNewRound && event.Height != cs.Height {
		cs.Logger.Debug("received expired event", "event", event)
		return
	}

	switch event.Type {
	case cstype.RoundEventNewRound:
		cs.enterNewRound(event.Height, event.Round)
		return
	case cstype.RoundEventPropose:
		if event.Round == cs.Round {
			cs.enterPropose()
		}
		return
	}

	// a quorum for a later round of this height means the network moved
	// on without us: jump forward before applying it
	if event.Round > cs.Round {
		cs.enterNewRound(event.Height, event.Round)
	}
	if event.Round != cs.Round {
		cs.Logger.Debug("received expired event", "event", event)
		return
	}

	switch event.Type {
	case cstype.RoundEventPrevoteQuorum:
		cs.onPrevoteQuorum(event.Quorum)
	case cstype.RoundEventPrecommitQuorum:
		cs.onPrecommitQuorum(event.Quorum)
	default:
		cs.Logger.Error("unhandled event", "event", event)
	}
}

// handleTimeout recovers liveness: every wait is timeout-bounded and every
// timeout has a defined transition, so no height can stall indefinitely.
func (cs *ConsensusState) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if ti.Height != cs.Height || ti.Round != cs.Round {
		cs.Logger.Debug("ignoring stale timeout", "timeout", ti)
		return
	}

	switch ti.Step {
	case cstype.RoundStepPropose:
		// no proposal arrived in time: prevote nil
		if cs.Step <= cstype.RoundStepPropose {
			cs.Logger.Info("propose timeout, prevoting nil", "height", cs.Height, "round", cs.Round)
			cs.signAndSubmitVote(types.PhasePrevote, types.NilValue)
		}
	case cstype.RoundStepPrevote:
		// no prevote quorum in time: precommit nil, lock untouched
		if cs.Step <= cstype.RoundStepPrevote {
			cs.Logger.Info("prevote timeout, precommitting nil", "height", cs.Height, "round", cs.Round)
			cs.signAndSubmitVote(types.PhasePrecommit, types.NilValue)
		}
	case cstype.RoundStepPrecommit:
		// no precommit quorum in time: next round, same height
		if cs.Step <= cstype.RoundStepPrecommit {
			cs.Logger.Info("precommit timeout, advancing round", "height", cs.Height, "round", cs.Round)
			cs.enterNewRound(cs.Height, cs.Round+1)
		}
	default:
		cs.Logger.Error("unhandled timeout step", "timeout", ti)
	}
}

//-----------------------------------------------------------------------------
// state transitions
// caller of every enter* / on* holds cs.mtx

// enterNewRound resets the round state for (height, round), evicts
// superseded aggregators and schedules the propose timeout. The locked
// value survives round advances within a height as an explicit copy and is
// cleared on height advance.
func (cs *ConsensusState) enterNewRound(height int64, round int32) {
	if height < cs.Height || (height == cs.Height && round < cs.Round) {
		cs.Logger.Debug("ignoring stale round entry", "height", height, "round", round)
		return
	}
	cs.Logger.Info("enter new round", "height", height, "round", round)

	if height > cs.Height {
		cs.LockedValue = nil
		cs.LockedRound = -1
		cs.maybeRotateEpoch(height)
	}
	cs.evictBefore(height, round)

	var locked types.BlockHash
	if len(cs.LockedValue) > 0 {
		locked = append(types.BlockHash{}, cs.LockedValue...)
	}

	cs.Height = height
	cs.Round = round
	cs.Step = cstype.RoundStepNewRound
	cs.Proposal = nil
	cs.LockedValue = locked
	cs.Proposer = cs.Validators.Proposer(height, round)
	cs.RoundStartTime = time.Now()

	cs.metrics.MarkRound(height, round)
	cs.metrics.MarkProposer(cs.Proposer.Address().Equal(cs.localAddress()), cs.Proposer.Address())

	cs.sendEventMessage(msgInfo{cstype.RoundEvent{
		Type:   cstype.RoundEventPropose,
		Height: height,
		Round:  round,
	}, ""})

	// retries widen the window: Propose(round) grows with the round number
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: cs.config.Propose(round),
		Height:   height,
		Round:    round,
		Step:     cstype.RoundStepPropose,
	})
}

// enterPropose broadcasts our candidate when we are the round's designated
// proposer; everyone else just waits out the propose timeout.
func (cs *ConsensusState) enterPropose() {
	if cs.Step != cstype.RoundStepNewRound {
		cs.Logger.Debug("enterPropose out of step", "step", cs.Step)
		return
	}
	cs.Step = cstype.RoundStepPropose
	cs.Logger.Info("enter propose step", "height", cs.Height, "round", cs.Round)

	if cs.PrivVal == nil || cs.ValIndex < 0 {
		return
	}
	if cs.Proposer == nil || cs.Proposer.Index != cs.ValIndex {
		cs.Logger.Debug("not this round's proposer", "proposer", cs.Proposer, "valIndex", cs.ValIndex)
		return
	}

	cs.Logger.Info("we are the proposer, preparing proposal", "height", cs.Height, "round", cs.Round)
	cs.decideProposal()
}

// defaultDecideProposal asks the mempool for the candidate value, signs the
// proposal and routes it through the internal queue like any other message.
func (cs *ConsensusState) defaultDecideProposal() {
	value := cs.mempool.CandidateValue(cs.Height)
	if len(value) == 0 {
		cs.Logger.Info("mempool has no candidate, skipping proposal", "height", cs.Height)
		return
	}

	proposal := types.NewProposal(cs.Height, cs.Round, cs.ValIndex, value)
	if err := cs.PrivVal.SignProposal(cs.chainID, proposal); err != nil {
		cs.Logger.Error("sign proposal failed", "err", err)
		return
	}

	cs.Logger.Debug("proposal ready", "proposal", proposal)
	cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
	cs.eventSwitch.FireEvent(EventNewProposal, proposal)
}

// defaultSetProposal verifies the round's proposal and casts our prevote:
// the proposed value when it does not conflict with the locked value, nil
// otherwise. At most one proposal is accepted per round.
func (cs *ConsensusState) defaultSetProposal(proposal *types.Proposal) error {
	if err := proposal.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(ErrInvalidProposal, err.Error())
	}
	if proposal.Height != cs.Height || proposal.Round != cs.Round {
		return pkgerrors.Wrapf(ErrInvalidProposal, "proposal for %d/%d, current %d/%d",
			proposal.Height, proposal.Round, cs.Height, cs.Round)
	}
	if cs.Proposal != nil {
		return pkgerrors.Wrap(ErrInvalidProposal, "round already has a proposal")
	}
	if cs.Proposer == nil {
		return pkgerrors.Wrap(ErrInvalidProposal, "no proposer elected yet")
	}
	if proposal.ProposerIndex != cs.Proposer.Index {
		return pkgerrors.Wrapf(ErrInvalidProposal, "proposer #%d is not elected #%d",
			proposal.ProposerIndex, cs.Proposer.Index)
	}
	if !cs.Proposer.PubKey.VerifySignature(types.ProposalSignBytes(cs.chainID, proposal), proposal.Signature) {
		return pkgerrors.Wrap(ErrInvalidProposal, "bad proposer signature")
	}

	cs.Proposal = proposal
	cs.Logger.Info("accepted proposal", "proposal", proposal)

	voteValue := proposal.Value
	if len(cs.LockedValue) > 0 && !bytes.Equal(cs.LockedValue, proposal.Value) {
		cs.Logger.Info("proposal conflicts with locked value, prevoting nil",
			"locked", cs.LockedValue, "proposed", proposal.Value)
		voteValue = types.NilValue
	}
	cs.signAndSubmitVote(types.PhasePrevote, voteValue)
	return nil
}

// signAndSubmitVote casts our vote for the current round's phase. A vote,
// once cast, is final: repeated calls for the same phase are no-ops.
func (cs *ConsensusState) signAndSubmitVote(phase types.PhaseType, value types.BlockHash) {
	if cs.PrivVal == nil || cs.ValIndex < 0 {
		return
	}

	pk := phaseKey{cs.Height, cs.Round, phase}
	if _, cast := cs.castPhases[pk]; cast {
		return
	}

	vote := &types.Vote{
		Height:         cs.Height,
		Round:          cs.Round,
		Phase:          phase,
		Value:          value,
		ValidatorIndex: cs.ValIndex,
	}
	if err := cs.PrivVal.SignVote(cs.chainID, vote); err != nil {
		cs.Logger.Error("sign vote failed", "err", err)
		return
	}
	cs.castPhases[pk] = struct{}{}

	var nextStep cstype.RoundStepType
	switch phase {
	case types.PhasePrevote:
		nextStep = cstype.RoundStepPrevote
		cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
			Duration: cs.config.Prevote(cs.Round),
			Height:   cs.Height, Round: cs.Round, Step: cstype.RoundStepPrevote,
		})
	case types.PhasePrecommit:
		nextStep = cstype.RoundStepPrecommit
		cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
			Duration: cs.config.Precommit(cs.Round),
			Height:   cs.Height, Round: cs.Round, Step: cstype.RoundStepPrecommit,
		})
	}
	if nextStep > cs.Step {
		cs.Step = nextStep
	}

	cs.Logger.Debug("cast vote", "vote", vote)
	cs.sendInternalMessage(msgInfo{&VoteMessage{Vote: vote}, ""})
}

// onPrevoteQuorum locks a concrete quorum value and precommits it; a nil
// quorum precommits nil without touching the lock.
func (cs *ConsensusState) onPrevoteQuorum(quorum *types.Contribution) {
	if len(quorum.Value) > 0 {
		cs.LockedValue = append(types.BlockHash{}, quorum.Value...)
		cs.LockedRound = cs.Round
		cs.Logger.Info("prevote quorum, locking value", "value", quorum.Value, "round", cs.Round)
		if cs.Step <= cstype.RoundStepPrevote {
			cs.signAndSubmitVote(types.PhasePrecommit, quorum.Value)
		}
		return
	}

	cs.Logger.Info("prevote quorum for nil", "height", cs.Height, "round", cs.Round)
	if cs.Step <= cstype.RoundStepPrevote {
		cs.signAndSubmitVote(types.PhasePrecommit, types.NilValue)
	}
}

// onPrecommitQuorum finalizes a concrete quorum value; a nil quorum
// advances the round, carrying the lock forward.
func (cs *ConsensusState) onPrecommitQuorum(quorum *types.Contribution) {
	if len(quorum.Value) == 0 {
		cs.Logger.Info("precommit quorum for nil, advancing round", "height", cs.Height, "round", cs.Round)
		cs.enterNewRound(cs.Height, cs.Round+1)
		return
	}
	cs.finalizeCommit(quorum)
}

// finalizeCommit hands the finalized value and its quorum aggregate to the
// ledger. Ledger rejection of a quorum value is treated as a failed round,
// never a crash: the value is discarded and the round retried.
func (cs *ConsensusState) finalizeCommit(quorum *types.Contribution) {
	if cs.Step == cstype.RoundStepCommit {
		return
	}
	cs.Step = cstype.RoundStepCommit

	proposerIndex := cs.Validators.Proposer(cs.Height, cs.Round).Index
	block := &types.Block{
		Height:        cs.Height,
		Round:         cs.Round,
		Hash:          append(types.BlockHash{}, quorum.Value...),
		ProposerIndex: proposerIndex,
		Time:          time.Now(),
	}
	proof := types.NewFinalityProof(quorum)

	applied, err := cs.ledger.ValidateAndApply(block, proof)
	if err != nil {
		// quorum on a value the ledger rejects: either a bug or a
		// dishonest majority, surface loudly and retry the height
		cs.Logger.Error("ledger rejected finalized value, retrying round",
			"height", cs.Height, "round", cs.Round, "value", block.Hash, "err", err)
		cs.enterNewRound(cs.Height, cs.Round+1)
		return
	}

	cs.mempool.Lock()
	if err := cs.mempool.Update(block.Height, block.Hash); err != nil {
		cs.Logger.Error("mempool update failed", "err", err)
	}
	cs.mempool.Unlock()

	cs.metrics.MarkFinalized(block.Height, block.Hash, time.Since(cs.RoundStartTime))
	cs.eventSwitch.FireEvent(EventFinalized, applied)
	cs.Logger.Info("finalized block", "height", block.Height, "hash", block.Hash,
		"signers", proof.Signers)

	cs.enterNewRound(block.Height+1, 0)
}

//-----------------------------------------------------------------------------
// vote / contribution intake

// tryAddVote verifies and routes one vote to its aggregator. Equivocations
// are recorded as evidence and the signer's weight excluded from the phase.
func (cs *ConsensusState) tryAddVote(vote *types.Vote, peerID p2p.ID) (bool, error) {
	if err := vote.ValidateBasic(); err != nil {
		return false, err
	}
	if vote.Height != cs.Height {
		return false, nil
	}

	vk := voteKey{phaseKey{vote.Height, vote.Round, vote.Phase}, vote.ValidatorIndex}
	if first, seen := cs.firstVotes[vk]; seen {
		if first.Equal(vote) {
			return false, nil
		}
		if !bytes.Equal(first.Value, vote.Value) {
			cs.recordEquivocation(first, vote)
		}
		return false, ErrEquivocation
	}

	agg := cs.getOrCreateAggregator(vote.Height, vote.Round, vote.Phase, vote.Value)
	added, err := agg.AddVote(vote)
	if err != nil {
		if pkgerrors.Is(err, types.ErrUnknownValidator) {
			cs.rebuildRegistry()
		}
		return false, err
	}
	cs.firstVotes[vk] = vote
	return added, nil
}

// tryAddContribution verifies and routes one aggregation contribution.
func (cs *ConsensusState) tryAddContribution(c *types.Contribution, peerID p2p.ID) (bool, error) {
	if err := c.ValidateBasic(); err != nil {
		return false, err
	}
	if c.Height != cs.Height {
		return false, nil
	}

	agg := cs.getOrCreateAggregator(c.Height, c.Round, c.Phase, c.Value)
	added, err := agg.AddContribution(c, peerID)
	if err != nil {
		if pkgerrors.Is(err, types.ErrUnknownValidator) {
			cs.rebuildRegistry()
		}
		return false, err
	}
	return added, nil
}

// recordEquivocation retains the evidence for external misbehavior
// reporting and bans the signer's weight in both value aggregators.
func (cs *ConsensusState) recordEquivocation(first, second *types.Vote) {
	ev := types.NewEvidence(first, second)
	cs.evidence = append(cs.evidence, ev)
	cs.Logger.Error("equivocation detected", "evidence", ev)

	// the ban must outlive the aggregators that exist right now: the
	// signer's weight may not count toward any value of this phase, so
	// aggregators created later replay it from bannedSigners
	pk := phaseKey{first.Height, first.Round, first.Phase}
	cs.bannedSigners[pk] = append(cs.bannedSigners[pk], first.ValidatorIndex)

	for key, agg := range cs.aggregators {
		if key.height == first.Height && key.round == first.Round && key.phase == first.Phase {
			agg.ExcludeSigner(first.ValidatorIndex)
		}
	}
}

// getOrCreateAggregator returns the aggregator for one target, creating it
// with a completion callback that enqueues the matching quorum event.
func (cs *ConsensusState) getOrCreateAggregator(
	height int64, round int32, phase types.PhaseType, value types.BlockHash,
) *aggregation.Aggregator {
	key := aggKey{height, round, phase, value.String()}
	if agg, ok := cs.aggregators[key]; ok {
		return agg
	}

	self := cs.ValIndex
	if self < 0 {
		self = 0 // observer nodes still partition the peer space
	}
	evType := cstype.RoundEventPrevoteQuorum
	if phase == types.PhasePrecommit {
		evType = cstype.RoundEventPrecommitQuorum
	}

	agg := aggregation.NewAggregator(
		cs.Logger.With("module", "aggregation"),
		cs.chainID, cs.Validators, self,
		height, round, phase, value,
		cs,
		func(c *types.Contribution) {
			cs.sendEventMessage(msgInfo{cstype.RoundEvent{
				Type:   evType,
				Height: height,
				Round:  round,
				Quorum: c,
			}, ""})
		},
	)
	for _, index := range cs.bannedSigners[phaseKey{height, round, phase}] {
		agg.ExcludeSigner(index)
	}
	cs.aggregators[key] = agg
	return agg
}

// SendContribution implements aggregation.ContributionSender by handing the
// targeted contribution to the reactor through the event switch.
func (cs *ConsensusState) SendContribution(peers *bits.BitArray, c *types.Contribution) {
	cs.eventSwitch.FireEvent(EventContributionOut, &TargetedContribution{
		Peers:        peers,
		Contribution: c,
	})
}

// evictBefore drops aggregators, vote bookkeeping and cached state of
// superseded rounds. Evidence is kept: it is history, not round state.
func (cs *ConsensusState) evictBefore(height int64, round int32) {
	stale := func(h int64, r int32) bool {
		return h < height || (h == height && r < round)
	}
	for key := range cs.aggregators {
		if stale(key.height, key.round) {
			delete(cs.aggregators, key)
		}
	}
	for key := range cs.castPhases {
		if stale(key.height, key.round) {
			delete(cs.castPhases, key)
		}
	}
	for key := range cs.firstVotes {
		if stale(key.height, key.round) {
			delete(cs.firstVotes, key)
		}
	}
	for key := range cs.bannedSigners {
		if stale(key.height, key.round) {
			delete(cs.bannedSigners, key)
		}
	}
}

// maybeRotateEpoch swaps the registry when the height crosses an epoch
// boundary. A failed lookup keeps the old registry and is retried on the
// next rotation; a stale registry only ever fails the current round.
func (cs *ConsensusState) maybeRotateEpoch(height int64) {
	if cs.epochs == nil {
		return
	}
	oldEpoch := epoch.EpochOf(cs.Height, cs.epochLength)
	newEpoch := epoch.EpochOf(height, cs.epochLength)
	if oldEpoch == newEpoch {
		return
	}
	reg, err := cs.epochs.Registry(newEpoch)
	if err != nil {
		cs.Logger.Error("epoch registry lookup failed", "epoch", newEpoch, "err", err)
		return
	}
	cs.Logger.Info("rotating validator registry", "epoch", newEpoch, "validators", reg.Size())
	cs.Validators = reg
	if cs.PrivVal != nil {
		if pub, err := cs.PrivVal.GetPubKey(); err == nil {
			cs.ValIndex, _ = cs.Validators.GetByAddress(types.GetAddress(pub))
		}
	}
}

// rebuildRegistry reloads the current epoch's registry after a registry
// inconsistency and discards the current round's aggregators.
func (cs *ConsensusState) rebuildRegistry() {
	if cs.epochs == nil {
		return
	}
	reg, err := cs.epochs.Registry(epoch.EpochOf(cs.Height, cs.epochLength))
	if err != nil {
		cs.Logger.Error("registry rebuild failed", "err", err)
		return
	}
	cs.Validators = reg
	for key := range cs.aggregators {
		if key.height == cs.Height && key.round == cs.Round {
			delete(cs.aggregators, key)
		}
	}
	cs.Logger.Error("rebuilt registry after inconsistency", "height", cs.Height, "round", cs.Round)
}

//-----------------------------------------------------------------------------
// accessors

func (cs *ConsensusState) String() string {
	// better not to access shared variables
	return "ConsensusState"
}

// GetRoundState returns a shallow copy of the current round state.
func (cs *ConsensusState) GetRoundState() cstype.RoundState {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	rs := cs.RoundState
	return rs
}

// Evidence returns the equivocation evidence collected so far.
func (cs *ConsensusState) Evidence() []*types.Evidence {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return append([]*types.Evidence{}, cs.evidence...)
}

// Metrics returns the consensus metric item for registration.
func (cs *ConsensusState) Metrics() *consensusMetric {
	return cs.metrics
}

// SubscribeFinalized registers cb for every block this node finalizes.
// Callbacks run on the driver's routine and must not block.
func (cs *ConsensusState) SubscribeFinalized(listenerID string, cb func(*ledger.AppliedBlock)) {
	cs.eventSwitch.AddListenerForEvent(listenerID, EventFinalized, func(data events.EventData) {
		cb(data.(*ledger.AppliedBlock))
	})
}

// Unsubscribe removes every callback registered under listenerID.
func (cs *ConsensusState) Unsubscribe(listenerID string) {
	cs.eventSwitch.RemoveListener(listenerID)
}

func (cs *ConsensusState) localAddress() types.Address {
	if cs.PrivVal == nil {
		return nil
	}
	pub, err := cs.PrivVal.GetPubKey()
	if err != nil {
		return nil
	}
	return types.GetAddress(pub)
}

//-----------------------------------------------------------------------------
// queue plumbing

// sendEventMessage writes into the event queue without ever blocking the
// caller: the receive routine may itself be the caller.
func (cs *ConsensusState) sendEventMessage(mi msgInfo) {
	select {
	case cs.eventMsgQueue <- mi:
	default:
		go func() { cs.eventMsgQueue <- mi }()
	}
}

// sendInternalMessage routes our own proposals and votes through the same
// entry point as peer messages.
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() { cs.internalMsgQueue <- mi }()
	}
}

//-----------------------------------------------------------------------------

// msgInfo carries a message plus the peer it came from ("" for our own).
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

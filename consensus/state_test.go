package consensus

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"

	lmock "handelbft/ledger/mock"
	memmock "handelbft/mempool/mock"
	"handelbft/types"
)

const testChainID = "CONSENSUS_TEST"

// consensusLogger colors log lines by validator index.
func consensusLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "validator" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	}).With("module", "consensus")
}

func testConsensusConfig() *cfg.ConsensusConfig {
	c := cfg.TestConsensusConfig()
	c.TimeoutPropose = 200 * time.Millisecond
	c.TimeoutPrevote = 200 * time.Millisecond
	c.TimeoutPrecommit = 200 * time.Millisecond
	return c
}

type testNode struct {
	cs      *ConsensusState
	ledger  *lmock.Ledger
	mempool *memmock.Mempool
}

// newTestNet builds n consensus states over one registry and wires their
// event switches directly to each other's peer queues, standing in for the
// p2p reactor.
func newTestNet(t *testing.T, n int) []*testNode {
	reg, privs := types.RandRegistry(n)

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		ldgr := lmock.NewLedger()
		mem := memmock.NewMempool(fmt.Sprintf("node%d", i))
		cs := NewDefaultConsensusState(testConsensusConfig(), testChainID, privs[i], reg, ldgr, mem)
		cs.SetLogger(consensusLogger().With("validator", i))
		nodes[i] = &testNode{cs: cs, ledger: ldgr, mempool: mem}
	}

	for i, node := range nodes {
		i, cs := i, node.cs
		from := p2p.ID(fmt.Sprintf("node%d", i))

		cs.eventSwitch.AddListenerForEvent("testnet", EventNewProposal, func(data events.EventData) {
			proposal := data.(*types.Proposal)
			for j, other := range nodes {
				if j == i {
					continue
				}
				other := other
				go func() {
					other.cs.peerMsgQueue <- msgInfo{&ProposalMessage{Proposal: proposal}, from}
				}()
			}
		})

		cs.eventSwitch.AddListenerForEvent("testnet", EventNewVote, func(data events.EventData) {
			vote := data.(*types.Vote)
			for j, other := range nodes {
				if j == i {
					continue
				}
				other := other
				go func() {
					other.cs.peerMsgQueue <- msgInfo{&VoteMessage{Vote: vote}, from}
				}()
			}
		})

		cs.eventSwitch.AddListenerForEvent("testnet", EventContributionOut, func(data events.EventData) {
			tc := data.(*TargetedContribution)
			for j := 0; j < tc.Peers.Size(); j++ {
				if !tc.Peers.GetIndex(j) || j == i {
					continue
				}
				other := nodes[j]
				go func() {
					other.cs.peerMsgQueue <- msgInfo{&ContributionMessage{Contribution: tc.Contribution}, from}
				}()
			}
		})
	}

	return nodes
}

func startNet(t *testing.T, nodes []*testNode) {
	for _, node := range nodes {
		require.NoError(t, node.cs.Start())
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			_ = node.cs.Stop()
		}
	})
}

func waitForHeight(t *testing.T, nodes []*testNode, height int64, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done := true
		for _, node := range nodes {
			if node.ledger.CurrentHeight() < height {
				done = false
				break
			}
		}
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i, node := range nodes {
		t.Logf("node %d at height %d, state %v", i, node.ledger.CurrentHeight(), node.cs.GetRoundState())
	}
	t.Fatalf("network did not reach height %d within %v", height, timeout)
}

func signedVote(t *testing.T, priv types.PrivValidator, index int32, height int64, round int32, phase types.PhaseType, value types.BlockHash) *types.Vote {
	vote := &types.Vote{
		Height: height, Round: round, Phase: phase,
		Value: value, ValidatorIndex: index,
	}
	require.NoError(t, priv.SignVote(testChainID, vote))
	return vote
}

func signedProposal(t *testing.T, priv types.PrivValidator, index int32, height int64, round int32, value types.BlockHash) *types.Proposal {
	proposal := types.NewProposal(height, round, index, value)
	require.NoError(t, priv.SignProposal(testChainID, proposal))
	return proposal
}

// awaitVote drains the captured vote stream until one from `index` for the
// given round and phase shows up.
func awaitVote(t *testing.T, votes <-chan *types.Vote, index, round int32, phase types.PhaseType, timeout time.Duration) *types.Vote {
	deadline := time.After(timeout)
	for {
		select {
		case vote := <-votes:
			if vote.ValidatorIndex == index && vote.Round == round && vote.Phase == phase {
				return vote
			}
		case <-deadline:
			t.Fatalf("no %v from validator %d in round %d within %v", phase, index, round, timeout)
			return nil
		}
	}
}

//-----------------------------------------------------------------------------

// Four honest validators must finalize consecutive heights, all applying
// the same value at each height.
func TestNetworkFinalizesHeights(t *testing.T) {
	nodes := newTestNet(t, 4)
	startNet(t, nodes)

	waitForHeight(t, nodes, 2, 30*time.Second)

	for height := int64(1); height <= 2; height++ {
		reference := nodes[0].ledger.Applied()[height-1]
		require.EqualValues(t, height, reference.Block.Height)
		for i, node := range nodes {
			applied := node.ledger.Applied()[height-1]
			assert.Equal(t, reference.Block.Hash, applied.Block.Hash,
				"node %d finalized a different value at height %d", i, height)
			assert.NoError(t, applied.Proof.Verify(testChainID, node.cs.GetRoundState().Validators))
		}
	}
}

// A silent proposer must not stall the height: the round times out on nil
// votes and a later round's proposer finalizes instead.
func TestSilentProposerAdvancesRound(t *testing.T) {
	nodes := newTestNet(t, 4)

	// proposer for (height 1, round 0) is index (1+0)%4
	nodes[1].cs.decideProposal = func() {}

	startNet(t, nodes)
	waitForHeight(t, nodes, 1, 30*time.Second)

	for i, node := range nodes {
		applied := node.ledger.Applied()[0]
		assert.GreaterOrEqual(t, applied.Block.Round, int32(1),
			"node %d finalized height 1 in the silent proposer's round", i)
	}
}

// A validator that locked a value on a prevote quorum must prevote nil
// against any different proposal in later rounds of the height.
func TestLockedValueGuardsPrevote(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	self := int32(3) // proposer for rounds 0 and 1 of height 1 is 1, then 2

	ldgr := lmock.NewLedger()
	cs := NewDefaultConsensusState(testConsensusConfig(), testChainID, privs[self], reg,
		ldgr, memmock.NewMempool("locked"))
	cs.SetLogger(log.TestingLogger())

	votes := make(chan *types.Vote, 64)
	cs.eventSwitch.AddListenerForEvent("test", EventNewVote, func(data events.EventData) {
		votes <- data.(*types.Vote)
	})

	require.NoError(t, cs.Start())
	t.Cleanup(func() { _ = cs.Stop() })

	valueA := types.BlockHash(tmhash.Sum([]byte("value A")))
	valueB := types.BlockHash(tmhash.Sum([]byte("value B")))

	cs.peerMsgQueue <- msgInfo{&ProposalMessage{signedProposal(t, privs[1], 1, 1, 0, valueA)}, "peer1"}
	got := awaitVote(t, votes, self, 0, types.PhasePrevote, 5*time.Second)
	assert.Equal(t, valueA, got.Value, "expected prevote for the proposed value")

	// prevote quorum for A locks it; we withhold precommits so the round
	// times out at the same height
	for _, idx := range []int32{0, 1, 2} {
		cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[idx], idx, 1, 0, types.PhasePrevote, valueA)}, "peer"}
	}
	got = awaitVote(t, votes, self, 0, types.PhasePrecommit, 5*time.Second)
	assert.Equal(t, valueA, got.Value, "expected precommit for the locked value")

	// wait out the precommit timeout into round 1
	require.Eventually(t, func() bool {
		rs := cs.GetRoundState()
		return rs.Height == 1 && rs.Round >= 1
	}, 5*time.Second, 10*time.Millisecond)

	rs := cs.GetRoundState()
	assert.Equal(t, valueA, rs.LockedValue)
	assert.EqualValues(t, 0, rs.LockedRound)

	cs.peerMsgQueue <- msgInfo{&ProposalMessage{signedProposal(t, privs[2], 2, 1, 1, valueB)}, "peer2"}
	got = awaitVote(t, votes, self, 1, types.PhasePrevote, 5*time.Second)
	assert.True(t, got.IsNil(), "locked validator must prevote nil against a conflicting proposal, voted %v", got.Value)
}

// A proposal arriving right after startup must find the round already
// entered: it is prevoted, not dropped or crashed on.
func TestEarlyProposalPrevoted(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	self := int32(3)

	cs := NewDefaultConsensusState(testConsensusConfig(), testChainID, privs[self], reg,
		lmock.NewLedger(), memmock.NewMempool("early"))
	cs.SetLogger(log.TestingLogger())

	votes := make(chan *types.Vote, 64)
	cs.eventSwitch.AddListenerForEvent("test", EventNewVote, func(data events.EventData) {
		votes <- data.(*types.Vote)
	})

	require.NoError(t, cs.Start())
	t.Cleanup(func() { _ = cs.Stop() })

	value := types.BlockHash(tmhash.Sum([]byte("early value")))
	cs.peerMsgQueue <- msgInfo{&ProposalMessage{signedProposal(t, privs[1], 1, 1, 0, value)}, "peer1"}

	got := awaitVote(t, votes, self, 0, types.PhasePrevote, 5*time.Second)
	assert.Equal(t, value, got.Value, "the early proposal was not prevoted")
}

// Two conflicting votes from one signer become evidence and stop counting
// toward either value's quorum.
func TestEquivocationRecorded(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	self := int32(3)

	cs := NewDefaultConsensusState(testConsensusConfig(), testChainID, privs[self], reg,
		lmock.NewLedger(), memmock.NewMempool("equivocation"))
	cs.SetLogger(log.TestingLogger())
	require.NoError(t, cs.Start())
	t.Cleanup(func() { _ = cs.Stop() })

	valueA := types.BlockHash(tmhash.Sum([]byte("fork A")))
	valueB := types.BlockHash(tmhash.Sum([]byte("fork B")))

	cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[0], 0, 1, 0, types.PhasePrevote, valueA)}, "peer"}
	cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[0], 0, 1, 0, types.PhasePrevote, valueB)}, "peer"}

	require.Eventually(t, func() bool {
		return len(cs.Evidence()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ev := cs.Evidence()[0]
	assert.EqualValues(t, 0, ev.First.ValidatorIndex)
	assert.NoError(t, ev.Verify(testChainID, cs.GetRoundState().Validators))
}

// An equivocation ban must also bind aggregators created after detection:
// a signature of the second value arriving later as a contribution cannot
// tip that value over the quorum threshold.
func TestEquivocatorExcludedFromLateAggregator(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	self := int32(3)

	cs := NewDefaultConsensusState(testConsensusConfig(), testChainID, privs[self], reg,
		lmock.NewLedger(), memmock.NewMempool("late-ban"))
	cs.SetLogger(log.TestingLogger())
	require.NoError(t, cs.Start())
	t.Cleanup(func() { _ = cs.Stop() })

	valueA := types.BlockHash(tmhash.Sum([]byte("ban A")))
	valueB := types.BlockHash(tmhash.Sum([]byte("ban B")))

	// the conflicting vote for B is detected before B has an aggregator
	cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[0], 0, 1, 0, types.PhasePrevote, valueA)}, "peer"}
	voteB := signedVote(t, privs[0], 0, 1, 0, types.PhasePrevote, valueB)
	cs.peerMsgQueue <- msgInfo{&VoteMessage{voteB}, "peer"}

	require.Eventually(t, func() bool {
		return len(cs.Evidence()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// two honest votes create B's aggregator, then the equivocator's B
	// signature arrives as a singleton contribution: 2 honest + 1 banned
	// must stay short of the quorum of 3
	for _, idx := range []int32{1, 2} {
		cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[idx], idx, 1, 0, types.PhasePrevote, valueB)}, "peer"}
	}
	cs.peerMsgQueue <- msgInfo{&ContributionMessage{types.SingletonContribution(voteB, reg.Size())}, "peer0"}

	require.Never(t, func() bool {
		rs := cs.GetRoundState()
		return bytes.Equal(rs.LockedValue, valueB)
	}, time.Second, 25*time.Millisecond, "equivocator weight completed a quorum for its second value")
}

// Under any interleaving of conflicting votes and contributions from at
// most a third of the total weight, two distinct values must never both
// reach a quorum in one phase of a round.
func TestAdversarialVotesCannotSplitQuorum(t *testing.T) {
	for trial := 0; trial < 5; trial++ {
		n := 4 + tmrand.Intn(13)
		f := (n - 1) / 3

		reg, privs := types.RandRegistry(n)
		self := int32(n - 1)

		config := testConsensusConfig()
		config.TimeoutPropose = 10 * time.Second
		config.TimeoutPrevote = 10 * time.Second
		config.TimeoutPrecommit = 10 * time.Second

		cs := NewDefaultConsensusState(config, testChainID, privs[self], reg,
			lmock.NewLedger(), memmock.NewMempool(fmt.Sprintf("adversarial-%d", trial)))
		cs.SetLogger(log.TestingLogger())

		votes := make(chan *types.Vote, 256)
		cs.eventSwitch.AddListenerForEvent("test", EventNewVote, func(data events.EventData) {
			votes <- data.(*types.Vote)
		})

		require.NoError(t, cs.Start())

		valueA := types.BlockHash(tmhash.Sum([]byte(fmt.Sprintf("split A %d", trial))))
		valueB := types.BlockHash(tmhash.Sum([]byte(fmt.Sprintf("split B %d", trial))))

		// adversaries vote both values in random order and re-send the
		// second vote's signature as a singleton contribution; honest
		// validators pick one value
		sequences := make([][]msgInfo, 0, n-1)
		for idx := int32(0); idx < int32(n-1); idx++ {
			if int(idx) < f {
				first, second := valueA, valueB
				if tmrand.Intn(2) == 0 {
					first, second = second, first
				}
				v1 := signedVote(t, privs[idx], idx, 1, 0, types.PhasePrevote, first)
				v2 := signedVote(t, privs[idx], idx, 1, 0, types.PhasePrevote, second)
				sequences = append(sequences, []msgInfo{
					{&VoteMessage{v1}, "adversary"},
					{&VoteMessage{v2}, "adversary"},
					{&ContributionMessage{types.SingletonContribution(v2, reg.Size())}, "adversary"},
				})
			} else {
				value := valueA
				if tmrand.Intn(2) == 0 {
					value = valueB
				}
				vote := signedVote(t, privs[idx], idx, 1, 0, types.PhasePrevote, value)
				sequences = append(sequences, []msgInfo{{&VoteMessage{vote}, "honest"}})
			}
		}

		for _, mi := range interleave(sequences) {
			cs.peerMsgQueue <- mi
		}

		// our own vote doubles as a barrier: once it is added, everything
		// queued before it has been processed
		cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[self], self, 1, 0, types.PhasePrevote, valueA)}, "barrier"}
		awaitVote(t, votes, self, 0, types.PhasePrevote, 10*time.Second)

		completed := completedQuorums(cs, 1, 0, types.PhasePrevote)
		assert.LessOrEqual(t, len(completed), 1,
			"n=%d f=%d: two values reached a quorum in one round: %v", n, f, completed)

		require.NoError(t, cs.Stop())
	}
}

// interleave merges the per-signer message sequences into one random
// arrival order, preserving each signer's own ordering.
func interleave(sequences [][]msgInfo) []msgInfo {
	var out []msgInfo
	for {
		live := make([]int, 0, len(sequences))
		for i := range sequences {
			if len(sequences[i]) > 0 {
				live = append(live, i)
			}
		}
		if len(live) == 0 {
			return out
		}
		i := live[tmrand.Intn(len(live))]
		out = append(out, sequences[i][0])
		sequences[i] = sequences[i][1:]
	}
}

// completedQuorums lists the concrete values whose aggregator reached
// quorum for one phase of (height, round).
func completedQuorums(cs *ConsensusState, height int64, round int32, phase types.PhaseType) []string {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	var values []string
	for key, agg := range cs.aggregators {
		if key.height == height && key.round == round && key.phase == phase && agg.Complete() {
			values = append(values, key.value)
		}
	}
	return values
}

// When the ledger rejects a finalized value the round fails: the height is
// retried in the next round instead of crashing or applying the value.
func TestLedgerRejectionFailsRound(t *testing.T) {
	reg, privs := types.RandRegistry(4)
	self := int32(3)

	ldgr := lmock.NewLedger()
	cs := NewDefaultConsensusState(testConsensusConfig(), testChainID, privs[self], reg,
		ldgr, memmock.NewMempool("rejection"))
	cs.SetLogger(log.TestingLogger())

	value := types.BlockHash(tmhash.Sum([]byte("rejected value")))
	ldgr.RejectValue(value)

	require.NoError(t, cs.Start())
	t.Cleanup(func() { _ = cs.Stop() })

	cs.peerMsgQueue <- msgInfo{&ProposalMessage{signedProposal(t, privs[1], 1, 1, 0, value)}, "peer1"}
	for _, idx := range []int32{0, 1, 2} {
		cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[idx], idx, 1, 0, types.PhasePrevote, value)}, "peer"}
	}
	for _, idx := range []int32{0, 1, 2} {
		cs.peerMsgQueue <- msgInfo{&VoteMessage{signedVote(t, privs[idx], idx, 1, 0, types.PhasePrecommit, value)}, "peer"}
	}

	require.Eventually(t, func() bool {
		rs := cs.GetRoundState()
		return rs.Height == 1 && rs.Round >= 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, ldgr.Applied(), "rejected value must not reach the ledger")
	assert.EqualValues(t, 0, ldgr.CurrentHeight())
}

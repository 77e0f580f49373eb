package rpc

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/log"

	"handelbft/consensus"
	"handelbft/ledger"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedBacklog      = 64
)

// FinalityFeed is a websocket endpoint that pushes one JSON message per
// finalized block. Slow consumers are disconnected rather than allowed to
// back-pressure the consensus driver.
type FinalityFeed struct {
	consensus *consensus.ConsensusState
	logger    log.Logger
	upgrader  websocket.Upgrader

	nextConnID uint64
}

func NewFinalityFeed(cs *consensus.ConsensusState, logger log.Logger) *FinalityFeed {
	return &FinalityFeed{
		consensus: cs,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (f *FinalityFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	listenerID := fmt.Sprintf("finality-feed-%d", atomic.AddUint64(&f.nextConnID, 1))
	blocks := make(chan *ledger.AppliedBlock, feedBacklog)
	done := make(chan struct{})
	var once sync.Once
	drop := func() {
		once.Do(func() {
			f.consensus.Unsubscribe(listenerID)
			close(done)
			_ = conn.Close()
		})
	}

	f.consensus.SubscribeFinalized(listenerID, func(applied *ledger.AppliedBlock) {
		select {
		case blocks <- applied:
		default:
			// drop on overflow; the writer closes the lagging conn below
		}
	})
	f.logger.Info("finality feed subscriber connected", "listener", listenerID, "remote", conn.RemoteAddr())

	go f.writeRoutine(listenerID, conn, blocks, done, drop)
	go f.readRoutine(conn, drop)
}

func (f *FinalityFeed) writeRoutine(listenerID string, conn *websocket.Conn, blocks <-chan *ledger.AppliedBlock, done <-chan struct{}, drop func()) {
	defer drop()

	for {
		select {
		case <-done:
			return
		case applied := <-blocks:
			bz, err := json.Marshal(applied)
			if err != nil {
				f.logger.Error("marshal applied block failed", "err", err)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, bz); err != nil {
				f.logger.Debug("finality feed write failed", "listener", listenerID, "err", err)
				return
			}
		}
	}
}

// readRoutine drains control frames and notices disconnects.
func (f *FinalityFeed) readRoutine(conn *websocket.Conn, drop func()) {
	defer drop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

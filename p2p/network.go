package p2p

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/types"
)

var log = logrus.WithField("prefix", "p2p")

const (
	BlocksProtocolID = protocol.ID("/botho/blocks/1.0.0")
	TxTopic          = "botho/tx/1"
	ConsensusTopic   = "botho/consensus/1"
	ProposalTopic    = "botho/proposal/1"

	MaxPeers      = 50
	PeerTimeout   = 30 * time.Second
	maxFrameBytes = 8 << 20
)

// TxHandler receives a decoded transaction from gossip.
type TxHandler func(*types.Transaction) error

// StatementHandler receives a decoded consensus statement from gossip.
type StatementHandler func(*types.Statement)

// ProposalHandler receives a leader's candidate block from gossip.
type ProposalHandler func(*types.Block)

// BlocksProvider answers GetBlocks requests from peers.
type BlocksProvider func(from, to uint64) []*types.Block

// Network manages P2P communication: gossip topics for transactions
// and consensus statements, and a request/response stream protocol for
// block ranges.
type Network struct {
	host   host.Host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	txSub        *pubsub.Subscription
	consensusSub *pubsub.Subscription
	proposalSub  *pubsub.Subscription

	txHandler        TxHandler
	statementHandler StatementHandler
	proposalHandler  ProposalHandler
	blocksProvider   BlocksProvider

	peers     map[peer.ID]time.Time
	peerMutex sync.RWMutex
}

// NewNetwork creates a libp2p host listening on the given port and
// dials the bootstrap peers.
func NewNetwork(listenPort int, bootstrapPeers []string) (*Network, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	n := &Network{
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]time.Time),
	}

	for _, addr := range bootstrapPeers {
		if err := n.connectPeer(addr); err != nil {
			log.WithField("peer", addr).WithError(err).Warn("bootstrap dial failed")
		}
	}

	return n, nil
}

// Start subscribes to the gossip topics and installs the block stream
// handler.
func (n *Network) Start() error {
	txSub, err := n.pubsub.Subscribe(TxTopic)
	if err != nil {
		return err
	}
	n.txSub = txSub

	consensusSub, err := n.pubsub.Subscribe(ConsensusTopic)
	if err != nil {
		return err
	}
	n.consensusSub = consensusSub

	proposalSub, err := n.pubsub.Subscribe(ProposalTopic)
	if err != nil {
		return err
	}
	n.proposalSub = proposalSub

	n.host.SetStreamHandler(BlocksProtocolID, n.handleBlocksStream)

	go n.handleTxMessages()
	go n.handleConsensusMessages()
	go n.handleProposalMessages()
	go n.managePeers()

	return nil
}

// SetTxHandler sets the handler for gossiped transactions.
func (n *Network) SetTxHandler(handler TxHandler) {
	n.txHandler = handler
}

// SetStatementHandler sets the handler for consensus statements.
func (n *Network) SetStatementHandler(handler StatementHandler) {
	n.statementHandler = handler
}

// SetProposalHandler sets the handler for candidate blocks.
func (n *Network) SetProposalHandler(handler ProposalHandler) {
	n.proposalHandler = handler
}

// SetBlocksProvider sets the responder for GetBlocks requests.
func (n *Network) SetBlocksProvider(provider BlocksProvider) {
	n.blocksProvider = provider
}

// BroadcastTransaction gossips a transaction.
func (n *Network) BroadcastTransaction(tx *types.Transaction) error {
	return n.pubsub.Publish(TxTopic, frame(types.MsgTx, tx.Encode()))
}

// BroadcastStatement gossips a signed consensus statement. Broadcasts
// are idempotent: receivers de-duplicate, so re-transmission is safe.
func (n *Network) BroadcastStatement(st *types.Statement) error {
	return n.pubsub.Publish(ConsensusTopic, frame(st.Kind, st.Encode()))
}

// BroadcastProposal gossips a leader's candidate block so validators
// can resolve the nominated value hash to content.
func (n *Network) BroadcastProposal(block *types.Block) error {
	return n.pubsub.Publish(ProposalTopic, frame(types.MsgBlocks, block.Encode()))
}

// frame prepends the message kind byte.
func frame(kind types.MsgKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

func (n *Network) handleTxMessages() {
	for {
		msg, err := n.txSub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("tx subscription error")
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.updatePeer(msg.ReceivedFrom)
		if n.txHandler == nil || len(msg.Data) < 1 || types.MsgKind(msg.Data[0]) != types.MsgTx {
			continue
		}
		tx, err := types.DecodeTransaction(msg.Data[1:])
		if err != nil {
			log.WithField("peer", msg.ReceivedFrom).Debug("malformed transaction frame")
			continue
		}
		if err := n.txHandler(tx); err != nil {
			log.WithError(err).Debug("gossiped transaction rejected")
		}
	}
}

func (n *Network) handleConsensusMessages() {
	for {
		msg, err := n.consensusSub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("consensus subscription error")
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.updatePeer(msg.ReceivedFrom)
		if n.statementHandler == nil || len(msg.Data) < 1 {
			continue
		}
		st, err := types.DecodeStatement(msg.Data[1:])
		if err != nil {
			log.WithField("peer", msg.ReceivedFrom).Debug("malformed statement frame")
			continue
		}
		n.statementHandler(st)
	}
}

func (n *Network) handleProposalMessages() {
	for {
		msg, err := n.proposalSub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("proposal subscription error")
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.updatePeer(msg.ReceivedFrom)
		if n.proposalHandler == nil || len(msg.Data) < 1 {
			continue
		}
		block, err := types.DecodeBlock(msg.Data[1:])
		if err != nil {
			log.WithField("peer", msg.ReceivedFrom).Debug("malformed proposal frame")
			continue
		}
		n.proposalHandler(block)
	}
}

// Block fetch stream. Request and response are length-prefixed frames.

func writeFrame(w io.Writer, kind types.MsgKind, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)+1))
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (types.MsgKind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:4])
	if size < 1 || size > maxFrameBytes {
		return 0, nil, errors.Wrap(types.ErrMalformed, "frame size")
	}
	payload := make([]byte, size-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return types.MsgKind(hdr[4]), payload, nil
}

func (n *Network) handleBlocksStream(s network.Stream) {
	defer s.Close()
	n.updatePeer(s.Conn().RemotePeer())
	kind, payload, err := readFrame(s)
	if err != nil || kind != types.MsgGetBlocks {
		return
	}
	req, err := types.DecodeGetBlocks(payload)
	if err != nil {
		return
	}
	if n.blocksProvider == nil {
		return
	}
	resp := &types.BlocksMsg{Blocks: n.blocksProvider(req.From, req.To)}
	if err := writeFrame(s, types.MsgBlocks, resp.Encode()); err != nil {
		log.WithError(err).Debug("blocks response write failed")
	}
}

// FetchBlocks pulls a height range from one peer. Used for partition
// recovery and laggard catch-up.
func (n *Network) FetchBlocks(ctx context.Context, p peer.ID, from, to uint64) ([]*types.Block, error) {
	s, err := n.host.NewStream(ctx, p, BlocksProtocolID)
	if err != nil {
		return nil, errors.Wrap(types.ErrTransient, err.Error())
	}
	defer s.Close()
	req := &types.GetBlocks{From: from, To: to}
	if err := writeFrame(s, types.MsgGetBlocks, req.Encode()); err != nil {
		return nil, errors.Wrap(types.ErrTransient, err.Error())
	}
	kind, payload, err := readFrame(s)
	if err != nil {
		return nil, errors.Wrap(types.ErrTransient, err.Error())
	}
	if kind != types.MsgBlocks {
		return nil, errors.Wrap(types.ErrMalformed, "unexpected response kind")
	}
	resp, err := types.DecodeBlocksMsg(payload)
	if err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// ConnectedPeers returns the ids of recently active peers.
func (n *Network) ConnectedPeers() []peer.ID {
	n.peerMutex.RLock()
	defer n.peerMutex.RUnlock()
	out := make([]peer.ID, 0, len(n.peers))
	for p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *Network) connectPeer(addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return err
	}
	peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	if err := n.host.Connect(n.ctx, *peerInfo); err != nil {
		return err
	}
	n.updatePeer(peerInfo.ID)
	return nil
}

func (n *Network) updatePeer(p peer.ID) {
	n.peerMutex.Lock()
	defer n.peerMutex.Unlock()
	n.peers[p] = time.Now()
}

func (n *Network) managePeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.cleanupPeers()
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Network) cleanupPeers() {
	n.peerMutex.Lock()
	defer n.peerMutex.Unlock()

	now := time.Now()
	for p, lastSeen := range n.peers {
		if now.Sub(lastSeen) > PeerTimeout {
			delete(n.peers, p)
			n.host.Network().ClosePeer(p)
		}
	}
}

// GetPeerCount returns the number of connected peers.
func (n *Network) GetPeerCount() int {
	n.peerMutex.RLock()
	defer n.peerMutex.RUnlock()
	return len(n.peers)
}

// GetHostID returns this node's peer ID.
func (n *Network) GetHostID() peer.ID {
	return n.host.ID()
}

// GetMultiaddrs returns this node's listen addresses.
func (n *Network) GetMultiaddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Close shuts down the network.
func (n *Network) Close() error {
	n.cancel()
	return n.host.Close()
}

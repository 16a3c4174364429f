package p2p

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
)

const (
	streamReadTimeout  = 10 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// handleStream reads one envelope per stream. Peers open a new stream for
// every message.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer()

	if n.BanManager.IsBanned(from) {
		s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Now().Add(streamReadTimeout))

	data, err := io.ReadAll(io.LimitReader(s, MaxMessageSize+1))
	if err != nil {
		n.log.Debug().Err(err).Str("peer", shortID(from)).Msg("Mixing stream read failed")
		return
	}
	if len(data) > MaxMessageSize {
		n.BanManager.RecordOffense(from, PenaltyOversizedMessage, "oversized mixing message")
		return
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		n.BanManager.RecordOffense(from, PenaltyMalformedMessage, err.Error())
		return
	}
	if msg.Kind() == mixing.KindQueue {
		// Queues travel over gossip where the origin is verified.
		n.BanManager.RecordOffense(from, PenaltyMalformedMessage, "queue on direct stream")
		return
	}
	n.dispatch(from, msg)
}

// sendDirect opens a stream to id and writes msg.
func (n *Node) sendDirect(ctx context.Context, id peer.ID, msg mixing.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	s, err := n.host.NewStream(ctx, id, MixProtocol)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", shortID(id), err)
	}
	_ = s.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := s.Write(data); err != nil {
		s.Reset()
		return fmt.Errorf("write %s: %w", msg.Kind(), err)
	}
	return s.CloseWrite()
}

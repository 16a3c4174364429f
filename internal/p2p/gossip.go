package p2p

import (
	"context"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
)

func (n *Node) joinQueueTopic() error {
	if err := n.pubsub.RegisterTopicValidator(TopicQueue, n.validateQueue); err != nil {
		return fmt.Errorf("register queue validator: %w", err)
	}
	var err error
	n.topicQueue, err = n.pubsub.Join(TopicQueue)
	if err != nil {
		return fmt.Errorf("join queue topic: %w", err)
	}
	n.subQueue, err = n.topicQueue.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe queue: %w", err)
	}
	return nil
}

// validateQueue drops anything that is not a queue advertisement signed by
// the peer it names. Accepted messages carry the decoded advertisement in
// ValidatorData.
func (n *Node) validateQueue(_ context.Context, from peer.ID, msg *pubsub.Message) bool {
	if msg.GetFrom() == n.host.ID() {
		q, err := decodeQueue(msg.Data)
		if err != nil {
			return false
		}
		msg.ValidatorData = q
		return true
	}
	q, err := decodeQueue(msg.Data)
	if err != nil {
		n.BanManager.RecordOffense(from, PenaltyMalformedMessage, err.Error())
		return false
	}
	if string(q.Peer) != msg.GetFrom().String() {
		n.BanManager.RecordOffense(msg.GetFrom(), PenaltyForgedQueue, "queue advertised for another peer")
		return false
	}
	msg.ValidatorData = q
	return true
}

func decodeQueue(data []byte) (*mixing.QueueAnnounce, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	q, ok := msg.(*mixing.QueueAnnounce)
	if !ok {
		return nil, fmt.Errorf("%s message on queue topic", msg.Kind())
	}
	return q, nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handle func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		handle(msg)
	}
}

func (n *Node) handleQueueMessage(msg *pubsub.Message) {
	q, ok := msg.ValidatorData.(*mixing.QueueAnnounce)
	if !ok {
		return
	}
	origin := msg.GetFrom()
	n.markMixer(origin, time.Now())
	n.rememberMixer(origin)
	n.dispatch(origin, q)
}

// rememberMixer records an advertising peer as a future candidate.
func (n *Node) rememberMixer(id peer.ID) {
	if n.mixers == nil {
		return
	}
	rec := MixerRecord{ID: id.String(), LastSeen: time.Now().Unix()}
	for _, a := range n.host.Peerstore().Addrs(id) {
		rec.Addrs = append(rec.Addrs, a.String())
	}
	if err := n.mixers.Save(rec); err != nil {
		n.log.Debug().Err(err).Str("peer", shortID(id)).Msg("Save mixer")
	}
}

// publishQueue gossips a queue advertisement.
func (n *Node) publishQueue(ctx context.Context, q *mixing.QueueAnnounce) error {
	if n.topicQueue == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := EncodeMessage(q)
	if err != nil {
		return err
	}
	return n.topicQueue.Publish(ctx, data)
}

package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
	"github.com/Klingon-tech/klingnet-mix/internal/storage"
)

// --- Codec ---

func TestEncodeDecode_Accept(t *testing.T) {
	data, err := EncodeMessage(&mixing.Accept{Denom: mixing.Denominations()[1]})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	a, ok := msg.(*mixing.Accept)
	if !ok {
		t.Fatalf("decoded %T, want *mixing.Accept", msg)
	}
	if a.Denom != mixing.Denominations()[1] {
		t.Fatalf("denom = %d", a.Denom)
	}
}

func TestDecodeMessage_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"unknown kind", `{"version":1,"kind":"dsx","payload":{}}`, ErrUnknownKind},
		{"bad version", `{"version":9,"kind":"dsc","payload":{}}`, ErrVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage([]byte(tt.data)); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := DecodeMessage([]byte(`{"version":1,"kind":"dsc"}`)); err == nil {
		t.Error("missing payload accepted")
	}
	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
	big := make([]byte, MaxMessageSize+1)
	if _, err := DecodeMessage(big); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized: got %v", err)
	}
}

// --- Node lifecycle ---

func TestNode_New(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if n.host != nil {
		t.Error("host should be nil before Start")
	}
	if n.ID() != "" || n.Addrs() != nil {
		t.Error("ID and Addrs should be empty before Start")
	}
	if n.IsConnected("anything") {
		t.Error("IsConnected before Start")
	}
	if err := n.Send(context.Background(), "x", &mixing.Complete{}); err == nil {
		t.Error("Send should fail before Start")
	}
}

func TestNode_StartStop(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, DataDir: t.TempDir()})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" {
		t.Error("ID should not be empty after Start")
	}
	if len(n.Addrs()) == 0 {
		t.Error("should have at least one address")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNode_StopBeforeStart(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop before Start should not error: %v", err)
	}
}

func TestNode_IdentityPersists(t *testing.T) {
	dir := t.TempDir()
	a, err := loadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	b, err := loadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !a.Equals(b) {
		t.Fatal("identity changed across loads")
	}
}

func TestNode_Rendezvous(t *testing.T) {
	n := New(Config{NetworkID: "testnet"})
	if got := n.rendezvous(); got != "klingnet-mix/testnet" {
		t.Errorf("rendezvous() = %q", got)
	}
	if got := New(Config{}).rendezvous(); got != dhtRendezvousFallback {
		t.Errorf("rendezvous() = %q", got)
	}
}

func TestNode_AddRemovePeer(t *testing.T) {
	n := New(Config{})
	id := peer.ID("test-peer-1")

	n.addPeer(id, SourceSeed)
	n.addPeer(id, SourceDHT)
	if n.PeerCount() != 1 {
		t.Fatalf("expected 1 peer, got %d", n.PeerCount())
	}
	if src := n.PeerList()[0].Source; src != SourceSeed {
		t.Errorf("source = %q, want seed", src)
	}

	at := time.Unix(1_700_000_000, 0)
	n.markMixer(id, at)
	n.markMixer(peer.ID("not-connected"), at)
	if p := n.PeerList()[0]; !p.Mixer || !p.LastQueue.Equal(at) {
		t.Errorf("mixer = %v, last queue = %v", p.Mixer, p.LastQueue)
	}
	if n.PeerCount() != 1 {
		t.Fatalf("markMixer added a peer")
	}
	n.removePeer(id)
	if n.PeerCount() != 0 {
		t.Errorf("expected 0 peers after remove, got %d", n.PeerCount())
	}
}

// --- Candidates ---

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	return id
}

func TestNode_Candidates(t *testing.T) {
	static, learned, banned := newPeerID(t), newPeerID(t), newPeerID(t)
	db := storage.NewMemory()

	n := New(Config{
		DB: db,
		MixingPeers: []string{
			"/ip4/10.0.0.1/tcp/30303/p2p/" + static.String(),
			"not-a-multiaddr",
		},
	})
	now := time.Now().Unix()
	for _, rec := range []MixerRecord{
		{ID: learned.String(), Addrs: []string{"/ip4/10.0.0.2/tcp/30303"}, LastSeen: now},
		{ID: static.String(), LastSeen: now - 10},
		{ID: banned.String(), LastSeen: now - 20},
	} {
		if err := n.mixers.Save(rec); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	n.BanManager.RecordOffense(banned, BanThreshold, "test")

	got := n.Candidates()
	if len(got) != 2 {
		t.Fatalf("candidates = %+v", got)
	}
	if got[0].ID != mixing.PeerID(static.String()) || got[1].ID != mixing.PeerID(learned.String()) {
		t.Fatalf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if len(got[0].Addrs) != 1 || !strings.HasPrefix(got[0].Addrs[0], "/ip4/10.0.0.1") {
		t.Errorf("static addrs = %v", got[0].Addrs)
	}
}

func TestAddrInfo_Invalid(t *testing.T) {
	if _, err := addrInfo(mixing.PeerInfo{ID: "nope"}); err == nil {
		t.Error("bad peer id accepted")
	}
	id := newPeerID(t)
	if _, err := addrInfo(mixing.PeerInfo{ID: mixing.PeerID(id.String()), Addrs: []string{"bogus"}}); err == nil {
		t.Error("bad address accepted")
	}
}

// --- Two nodes ---

func startTestNode(t *testing.T) *Node {
	t.Helper()
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, DB: storage.NewMemory()})
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	info := mixing.PeerInfo{ID: mixing.PeerID(a.ID().String())}
	for _, addr := range a.host.Addrs() {
		info.Addrs = append(info.Addrs, addr.String())
	}
	if err := b.Connect(context.Background(), info); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	if !b.IsConnected(info.ID) {
		t.Fatal("not connected after Connect")
	}
	// Give GossipSub time to establish mesh.
	time.Sleep(200 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func TestTwoNodes_DirectMessage(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connectNodes(t, a, b)

	var got atomic.Value
	a.SetMessageHandler(func(from mixing.PeerID, msg mixing.Message) {
		if from == mixing.PeerID(b.ID().String()) {
			got.Store(msg)
		}
	})

	sent := &mixing.Complete{SessionID: 7, MessageID: mixing.MsgSuccess}
	if err := b.Send(context.Background(), mixing.PeerID(a.ID().String()), sent); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "direct message", func() bool { return got.Load() != nil })

	c, ok := got.Load().(*mixing.Complete)
	if !ok || c.SessionID != 7 || c.MessageID != mixing.MsgSuccess {
		t.Fatalf("received %+v", got.Load())
	}
}

func TestTwoNodes_QueueGossip(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connectNodes(t, a, b)

	var got atomic.Value
	b.SetMessageHandler(func(_ mixing.PeerID, msg mixing.Message) { got.Store(msg) })
	time.Sleep(300 * time.Millisecond)

	q := &mixing.QueueAnnounce{
		Denom: mixing.Denominations()[2],
		Peer:  mixing.PeerID(a.ID().String()),
		Time:  time.Now().Unix(),
	}
	if err := a.Send(context.Background(), "", q); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "queue gossip", func() bool { return got.Load() != nil })

	rx, ok := got.Load().(*mixing.QueueAnnounce)
	if !ok || !rx.Equal(q) {
		t.Fatalf("received %+v", got.Load())
	}
	waitFor(t, "mixer record", func() bool {
		for _, c := range b.Candidates() {
			if c.ID == q.Peer {
				return true
			}
		}
		return false
	})
}

func TestTwoNodes_ForgedQueueBans(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connectNodes(t, a, b)

	var delivered atomic.Int32
	b.SetMessageHandler(func(mixing.PeerID, mixing.Message) { delivered.Add(1) })
	time.Sleep(300 * time.Millisecond)

	forged := &mixing.QueueAnnounce{
		Denom: mixing.Denominations()[2],
		Peer:  mixing.PeerID(newPeerID(t).String()),
		Time:  time.Now().Unix(),
	}
	if err := a.Send(context.Background(), "", forged); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "ban", func() bool { return b.BanManager.IsBanned(a.ID()) })
	if delivered.Load() != 0 {
		t.Fatal("forged queue was delivered")
	}
}

func TestPanicRecovery_MessageHandler(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connectNodes(t, a, b)

	var calls atomic.Int32
	a.SetMessageHandler(func(mixing.PeerID, mixing.Message) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	to := mixing.PeerID(a.ID().String())
	for i := 0; i < 2; i++ {
		if err := b.Send(context.Background(), to, &mixing.Complete{SessionID: uint32(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	waitFor(t, "second message", func() bool { return calls.Load() == 2 })
}

package rtc

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshchat/config"
	"github.com/mossy-p/meshchat/internal/peer"
)

func TestFactoryCreatesOffer(t *testing.T) {
	factory, err := NewFactory(config.ICEConfig{
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       25 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	tr, err := factory()
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer tr.Close()

	dc, err := tr.CreateDataChannel(peer.ChannelLabel)
	if err != nil {
		t.Fatalf("CreateDataChannel failed: %v", err)
	}
	if dc.Label() != peer.ChannelLabel {
		t.Errorf("Expected label %q, got %q", peer.ChannelLabel, dc.Label())
	}
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		t.Error("Expected channel not to be open before negotiation")
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("Expected offer type, got %s", offer.Type)
	}
	if !strings.Contains(offer.SDP, "application") {
		t.Error("Expected offer to carry a data channel section")
	}
	if tr.HasRemoteDescription() {
		t.Error("Expected no remote description yet")
	}
}

// Two local connections negotiating without a signal relay.
func TestLoopbackChannel(t *testing.T) {
	if os.Getenv("MESHCHAT_ICE_TEST") == "" {
		t.Skip("set MESHCHAT_ICE_TEST=1 to negotiate over local interfaces")
	}

	factory, err := NewFactory(config.ICEConfig{
		DisconnectedTimeout: 5 * time.Second,
		FailedTimeout:       10 * time.Second,
		KeepAliveInterval:   time.Second,
	})
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	offerer, err := factory()
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer offerer.Close()
	answerer, err := factory()
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer answerer.Close()

	gathered := make(chan webrtc.ICECandidateInit, 16)
	offerer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		select {
		case gathered <- c:
		default:
		}
	})

	received := make(chan string, 1)
	answerer.OnDataChannel(func(dc peer.DataChannel) {
		dc.OnMessage(func(data []byte) { received <- string(data) })
	})

	dc, err := offerer.CreateDataChannel(peer.ChannelLabel)
	if err != nil {
		t.Fatalf("CreateDataChannel failed: %v", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	// Candidates ride inside the descriptions once gathering completes
	offerPC, answerPC := offerer.(*Transport).pc, answerer.(*Transport).pc

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	offerGathered := webrtc.GatheringCompletePromise(offerPC)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription failed: %v", err)
	}
	<-offerGathered
	if err := answerer.SetRemoteDescription(*offerPC.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}

	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	answerGathered := webrtc.GatheringCompletePromise(answerPC)
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription failed: %v", err)
	}
	<-answerGathered
	if err := offerer.SetRemoteDescription(*answerPC.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}
	if !offerer.HasRemoteDescription() {
		t.Error("Expected remote description after answer")
	}

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for data channel to open")
	}

	if err := dc.SendText("ping"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	select {
	case got := <-received:
		if got != "ping" {
			t.Errorf("Expected ping, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for message")
	}

	select {
	case c := <-gathered:
		if c.Candidate == "" {
			t.Error("Expected a non-empty gathered candidate")
		}
	default:
		t.Error("Expected at least one local candidate callback")
	}
}

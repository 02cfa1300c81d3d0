package pairing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/logging"
)

// ChannelLabel names the pairing data channel
const ChannelLabel = "pinbridge"

// DefaultSTUNServers is used when no STUN server is configured
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

const webrtcInbox = 128

// WebRTCPeer negotiates a data channel with complete, non-trickle session
// descriptions so a single descriptor exchange is enough.
type WebRTCPeer struct {
	pc  *webrtc.PeerConnection
	log *logrus.Entry

	mu sync.Mutex
	dc *webrtc.DataChannel

	open      chan struct{}
	openOnce  sync.Once
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebRTCPeer creates a peer connection using the given STUN servers
func NewWebRTCPeer(stunServers []string, logger *logrus.Logger) (*WebRTCPeer, error) {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &WebRTCPeer{
		pc:    pc,
		log:   logging.Component(logger, "pairing.webrtc"),
		open:  make(chan struct{}),
		inbox: make(chan []byte, webrtcInbox),
		done:  make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.WithField("state", state.String()).Debug("peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.shutdown()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == ChannelLabel {
			p.attach(dc)
		}
	})
	return p, nil
}

// Offer creates the data channel and returns the complete offer SDP
func (p *WebRTCPeer) Offer(ctx context.Context) (string, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}
	p.attach(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return p.gather(ctx, offer)
}

// Answer applies the remote offer and returns the complete answer SDP
func (p *WebRTCPeer) Answer(ctx context.Context, offer string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err != nil {
		return "", fmt.Errorf("failed to apply offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	return p.gather(ctx, answer)
}

// Complete applies the remote answer
func (p *WebRTCPeer) Complete(ctx context.Context, answer string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	if err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	return nil
}

// Link waits for the data channel to open
func (p *WebRTCPeer) Link(ctx context.Context) (Link, error) {
	select {
	case <-p.open:
		return p, nil
	case <-p.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one message to the data channel
func (p *WebRTCPeer) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return io.ErrClosedPipe
	}
	return dc.Send(msg)
}

// Recv returns the next message from the data channel
func (p *WebRTCPeer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.inbox:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the data channel and the peer connection
func (p *WebRTCPeer) Close() error {
	p.shutdown()
	return p.pc.Close()
}

func (p *WebRTCPeer) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *WebRTCPeer) attach(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.openOnce.Do(func() { close(p.open) })
	})
	dc.OnClose(p.shutdown)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case p.inbox <- data:
		case <-p.done:
		}
	})
}

func (p *WebRTCPeer) shutdown() {
	p.closeOnce.Do(func() { close(p.done) })
}

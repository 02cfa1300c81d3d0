package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/logging"
	"github.com/pinbridge/vault/internal/util"
	"github.com/pinbridge/vault/internal/vault"
)

// Link is an ordered, reliable message channel between two peers
type Link interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Peer negotiates a Link. The offering side calls Offer then Complete, the
// answering side calls Answer; both then wait in Link for the channel to open.
type Peer interface {
	Offer(ctx context.Context) (string, error)
	Answer(ctx context.Context, offer string) (string, error)
	Complete(ctx context.Context, answer string) error
	Link(ctx context.Context) (Link, error)
	Close() error
}

// Options configures a Transport
type Options struct {
	TTL    time.Duration
	Engine *vault.CryptoEngine
	Logger *logrus.Logger
	Now    func() time.Time
}

// Transport runs one pairing session over a Peer. Messages passed to Send and
// returned by Recv are plaintext; on the link they travel as envelopes.
type Transport struct {
	peer   Peer
	ttl    time.Duration
	engine *vault.CryptoEngine
	log    *logrus.Entry
	now    func() time.Time

	mu        sync.Mutex
	session   *Session
	link      Link
	timer     *time.Timer
	connected bool
	expired   bool
	closed    bool
}

// NewTransport creates a transport over peer
func NewTransport(peer Peer, opts Options) *Transport {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Engine == nil {
		opts.Engine = vault.NewDefaultCryptoEngine()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transport{
		peer:   peer,
		ttl:    opts.TTL,
		engine: opts.Engine,
		log:    logging.Component(opts.Logger, "pairing"),
		now:    opts.Now,
	}
}

// Session returns the current session, nil before StartOffer or AnswerOffer
func (t *Transport) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// StartOffer opens a session as the offering side and returns the offer
// descriptor text for the peer
func (t *Transport) StartOffer(ctx context.Context) (string, error) {
	expiration := t.now().Add(t.ttl)
	sess, err := NewSession(RoleOffer, "", expiration, t.engine)
	if err != nil {
		return "", err
	}
	if err := t.begin(sess); err != nil {
		sess.Destroy()
		return "", err
	}

	sdp, err := t.peer.Offer(ctx)
	if err != nil {
		t.abort()
		return "", fmt.Errorf("%w: failed to create offer: %v", util.ErrTransport, err)
	}
	pub, err := sess.PublicKey()
	if err != nil {
		return "", err
	}

	desc := &Descriptor{V: ProtocolVersion, SID: sess.SID, T: expiration.UnixMilli(), Offer: sdp, PubA: pub}
	t.log.WithField("sid", sess.SID).Info("pairing offer created")
	return desc.Encode()
}

// AcceptAnswer completes the offering side with the answer descriptor
func (t *Transport) AcceptAnswer(ctx context.Context, text string) error {
	desc, err := DecodeDescriptor(text)
	if err != nil {
		return err
	}
	if err := desc.Validate(t.now(), RoleAnswer); err != nil {
		return err
	}

	sess := t.Session()
	if sess == nil || sess.Role != RoleOffer {
		return fmt.Errorf("%w: no offer in progress", util.ErrProtocol)
	}
	if desc.SID != sess.SID {
		return fmt.Errorf("%w: answer belongs to another session", util.ErrProtocol)
	}
	if err := sess.Derive(desc.PubB); err != nil {
		return err
	}
	if err := t.peer.Complete(ctx, desc.Answer); err != nil {
		return fmt.Errorf("%w: failed to apply answer: %v", util.ErrTransport, err)
	}
	t.log.WithField("sid", sess.SID).Debug("pairing answer accepted")
	return nil
}

// AnswerOffer joins the session described by an offer descriptor and returns
// the answer descriptor text
func (t *Transport) AnswerOffer(ctx context.Context, text string) (string, error) {
	desc, err := DecodeDescriptor(text)
	if err != nil {
		return "", err
	}
	if err := desc.Validate(t.now(), RoleOffer); err != nil {
		return "", err
	}

	sess, err := NewSession(RoleAnswer, desc.SID, desc.Expiration(), t.engine)
	if err != nil {
		return "", err
	}
	if err := t.begin(sess); err != nil {
		sess.Destroy()
		return "", err
	}
	if err := sess.Derive(desc.PubA); err != nil {
		t.abort()
		return "", err
	}

	sdp, err := t.peer.Answer(ctx, desc.Offer)
	if err != nil {
		t.abort()
		return "", fmt.Errorf("%w: failed to create answer: %v", util.ErrTransport, err)
	}
	pub, err := sess.PublicKey()
	if err != nil {
		return "", err
	}

	answer := &Descriptor{V: ProtocolVersion, SID: sess.SID, T: desc.T, Answer: sdp, PubB: pub}
	t.log.WithField("sid", sess.SID).Info("pairing answer created")
	return answer.Encode()
}

// Connect waits for the link to open. The expiration stays armed after the
// link connects: a session past it is torn down even mid-transfer.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	sess := t.session
	expired := t.expired
	t.mu.Unlock()
	if expired {
		return util.ErrSessionExpired
	}
	if sess == nil || !sess.Ready() {
		return fmt.Errorf("%w: session key not established", util.ErrProtocol)
	}

	ctx, cancel := context.WithDeadline(ctx, sess.Expiration)
	defer cancel()
	link, err := t.peer.Link(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || t.isExpired() {
			t.expire()
			return util.ErrSessionExpired
		}
		return fmt.Errorf("%w: %v", util.ErrTransport, err)
	}

	t.mu.Lock()
	if t.expired || t.closed {
		t.mu.Unlock()
		_ = link.Close()
		return util.ErrSessionExpired
	}
	t.link = link
	t.connected = true
	t.mu.Unlock()

	t.log.WithField("sid", sess.SID).Info("pairing link connected")
	return nil
}

// Send seals msg and writes it to the link
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	sess, link, err := t.active()
	if err != nil {
		return err
	}
	data, err := sess.SealMessage(msg)
	if err != nil {
		return err
	}
	if err := link.Send(ctx, data); err != nil {
		if t.isExpired() {
			return util.ErrSessionExpired
		}
		return fmt.Errorf("%w: %v", util.ErrTransport, err)
	}
	return nil
}

// Recv reads and opens the next envelope from the link
func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	sess, link, err := t.active()
	if err != nil {
		return nil, err
	}
	data, err := link.Recv(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if t.isExpired() {
			return nil, util.ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", util.ErrTransport, err)
	}
	return sess.OpenMessage(data)
}

// Close tears down the link and destroys the session
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	sess, link := t.session, t.link
	t.mu.Unlock()

	if sess != nil {
		sess.Destroy()
	}
	var err error
	if link != nil {
		err = link.Close()
	}
	if perr := t.peer.Close(); err == nil {
		err = perr
	}
	return err
}

func (t *Transport) begin(sess *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: transport closed", util.ErrTransport)
	}
	if t.session != nil {
		return fmt.Errorf("%w: session already started", util.ErrProtocol)
	}
	t.session = sess
	t.timer = time.AfterFunc(sess.Expiration.Sub(t.now()), t.expire)
	return nil
}

func (t *Transport) abort() {
	t.mu.Lock()
	sess := t.session
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	if sess != nil {
		sess.Destroy()
	}
}

// expire destroys the session at its wall-clock limit, closing the link if
// one is open
func (t *Transport) expire() {
	t.mu.Lock()
	if t.expired || t.closed {
		t.mu.Unlock()
		return
	}
	t.expired = true
	sess, link, connected := t.session, t.link, t.connected
	t.mu.Unlock()

	if sess != nil {
		sess.Destroy()
		t.log.WithFields(logrus.Fields{"sid": sess.SID, "connected": connected}).Warn("pairing session expired")
	}
	if link != nil {
		_ = link.Close()
	}
	_ = t.peer.Close()
}

func (t *Transport) isExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired || (t.session != nil && t.session.Expired(t.now()))
}

func (t *Transport) active() (*Session, Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.expired:
		return nil, nil, util.ErrSessionExpired
	case t.closed:
		return nil, nil, fmt.Errorf("%w: transport closed", util.ErrTransport)
	case !t.connected:
		return nil, nil, fmt.Errorf("%w: not connected", util.ErrProtocol)
	}
	return t.session, t.link, nil
}

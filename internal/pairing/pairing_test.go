package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinbridge/vault/internal/util"
	"github.com/pinbridge/vault/internal/vault"
)

func testEngine() *vault.CryptoEngine {
	return vault.NewCryptoEngine(1000)
}

func connectedPair(t *testing.T) (*Transport, *Transport, *MemoryPeer, *MemoryPeer) {
	t.Helper()
	ctx := context.Background()
	pa, pb := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine()})
	b := NewTransport(pb, Options{Engine: testEngine()})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	offer, err := a.StartOffer(ctx)
	require.NoError(t, err)
	answer, err := b.AnswerOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, a.AcceptAnswer(ctx, answer))
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	return a, b, pa, pb
}

func TestDescriptor_EncodeDecode(t *testing.T) {
	d := &Descriptor{V: ProtocolVersion, SID: "sid-1", T: 1700000000000, Offer: "sdp", PubA: "pub"}
	text, err := d.Encode()
	require.NoError(t, err)
	assert.NotContains(t, text, "=")

	got, err := DecodeDescriptor("  " + text + "==\n")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = DecodeDescriptor("not a descriptor!")
	assert.ErrorIs(t, err, util.ErrProtocol)
}

func TestDescriptor_Validate(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	valid := Descriptor{V: ProtocolVersion, SID: "s", T: now.Add(time.Minute).UnixMilli(), Offer: "o", PubA: "p"}

	t.Run("valid offer", func(t *testing.T) {
		d := valid
		assert.NoError(t, d.Validate(now, RoleOffer))
	})

	t.Run("expired", func(t *testing.T) {
		d := valid
		err := d.Validate(now.Add(2*time.Minute), RoleOffer)
		assert.ErrorIs(t, err, util.ErrSessionExpired)
	})

	t.Run("version checked before expiry", func(t *testing.T) {
		d := valid
		d.V = ProtocolVersion + 1
		err := d.Validate(now.Add(2*time.Minute), RoleOffer)
		assert.ErrorIs(t, err, util.ErrProtocol)
		assert.NotErrorIs(t, err, util.ErrSessionExpired)
	})

	t.Run("wrong role", func(t *testing.T) {
		d := valid
		assert.ErrorIs(t, d.Validate(now, RoleAnswer), util.ErrProtocol)
	})

	t.Run("missing sid", func(t *testing.T) {
		d := valid
		d.SID = ""
		assert.ErrorIs(t, d.Validate(now, RoleOffer), util.ErrProtocol)
	})
}

func TestSession_DeriveSharedKey(t *testing.T) {
	exp := time.Now().Add(time.Minute)
	a, err := NewSession(RoleOffer, "", exp, testEngine())
	require.NoError(t, err)
	b, err := NewSession(RoleAnswer, a.SID, exp, testEngine())
	require.NoError(t, err)
	defer a.Destroy()
	defer b.Destroy()

	pubA, err := a.PublicKey()
	require.NoError(t, err)
	pubB, err := b.PublicKey()
	require.NoError(t, err)
	require.NoError(t, a.Derive(pubB))
	require.NoError(t, b.Derive(pubA))

	env, err := a.Seal([]byte("payload"))
	require.NoError(t, err)
	plain, err := b.Open(env)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	// A different sid salts the derivation differently
	c, err := NewSession(RoleAnswer, "other-sid", exp, testEngine())
	require.NoError(t, err)
	defer c.Destroy()
	require.NoError(t, c.Derive(pubA))
	_, err = c.Open(env)
	assert.ErrorIs(t, err, util.ErrProtocol)
}

func TestSession_RejectsBadPeerKey(t *testing.T) {
	s, err := NewSession(RoleOffer, "", time.Now().Add(time.Minute), testEngine())
	require.NoError(t, err)
	defer s.Destroy()

	assert.ErrorIs(t, s.Derive("%%%"), util.ErrProtocol)
	assert.ErrorIs(t, s.Derive(base64.StdEncoding.EncodeToString([]byte("short"))), util.ErrProtocol)

	_, err = s.Seal([]byte("x"))
	assert.ErrorIs(t, err, util.ErrProtocol, "sealing before derivation must fail")
}

func TestSession_Destroy(t *testing.T) {
	s, err := NewSession(RoleOffer, "", time.Now().Add(time.Minute), testEngine())
	require.NoError(t, err)
	s.Destroy()
	s.Destroy()

	_, err = s.PublicKey()
	assert.ErrorIs(t, err, util.ErrSessionExpired)
	assert.False(t, s.Ready())
}

func TestTransport_Roundtrip(t *testing.T) {
	ctx := context.Background()
	a, b, _, _ := connectedPair(t)

	require.NoError(t, a.Send(ctx, []byte("hello from a")))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello from a", string(got))

	require.NoError(t, b.Send(ctx, []byte("hello from b")))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello from b", string(got))

	assert.Equal(t, a.Session().SID, b.Session().SID)
}

func TestTransport_WireCarriesOnlyEnvelopes(t *testing.T) {
	ctx := context.Background()
	a, b, _, pb := connectedPair(t)

	require.NoError(t, a.Send(ctx, []byte("secret note body")))
	raw, err := pb.Recv(ctx)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret note body")

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.NotEmpty(t, env.IV)
	assert.NotEmpty(t, env.Ciphertext)

	plain, err := b.Session().Open(&env)
	require.NoError(t, err)
	assert.Equal(t, "secret note body", string(plain))
}

func TestTransport_TamperedEnvelope(t *testing.T) {
	ctx := context.Background()
	a, b, _, pb := connectedPair(t)

	env, err := a.Session().Seal([]byte("payload"))
	require.NoError(t, err)
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	ct[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, pb.Inject(raw))

	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, util.ErrProtocol)

	require.NoError(t, pb.Inject([]byte("{not json")))
	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, util.ErrProtocol)
}

func TestTransport_ExpiredOfferRejected(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	pa, pb := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine(), Now: func() time.Time { return base }})
	defer a.Close()

	offer, err := a.StartOffer(ctx)
	require.NoError(t, err)

	late := NewTransport(pb, Options{Engine: testEngine(), Now: func() time.Time { return base.Add(DefaultTTL + 2*time.Second) }})
	defer late.Close()
	_, err = late.AnswerOffer(ctx, offer)
	assert.ErrorIs(t, err, util.ErrSessionExpired)
	assert.Nil(t, late.Session(), "no session is created for an expired offer")
}

func TestTransport_VersionMismatchRejected(t *testing.T) {
	ctx := context.Background()
	pa, pb := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine()})
	defer a.Close()
	offer, err := a.StartOffer(ctx)
	require.NoError(t, err)

	d, err := DecodeDescriptor(offer)
	require.NoError(t, err)
	d.V = 99
	bumped, err := d.Encode()
	require.NoError(t, err)

	b := NewTransport(pb, Options{Engine: testEngine()})
	defer b.Close()
	_, err = b.AnswerOffer(ctx, bumped)
	assert.ErrorIs(t, err, util.ErrProtocol)
	assert.Nil(t, b.Session())
}

func TestTransport_AnswerForAnotherSession(t *testing.T) {
	ctx := context.Background()
	pa, pb := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine()})
	b := NewTransport(pb, Options{Engine: testEngine()})
	defer a.Close()
	defer b.Close()

	offer, err := a.StartOffer(ctx)
	require.NoError(t, err)
	answer, err := b.AnswerOffer(ctx, offer)
	require.NoError(t, err)

	d, err := DecodeDescriptor(answer)
	require.NoError(t, err)
	d.SID = "someone-else"
	forged, err := d.Encode()
	require.NoError(t, err)
	assert.ErrorIs(t, a.AcceptAnswer(ctx, forged), util.ErrProtocol)

	// An offer descriptor is not an answer
	assert.ErrorIs(t, a.AcceptAnswer(ctx, offer), util.ErrProtocol)
}

func TestTransport_ExpiresBeforeConnect(t *testing.T) {
	ctx := context.Background()
	pa, _ := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine(), TTL: 20 * time.Millisecond})
	defer a.Close()

	_, err := a.StartOffer(ctx)
	require.NoError(t, err)

	require.Eventually(t, pa.Closed, time.Second, 5*time.Millisecond)
	assert.False(t, a.Session().Ready())
	assert.ErrorIs(t, a.Connect(ctx), util.ErrSessionExpired)
	assert.ErrorIs(t, a.Send(ctx, []byte("x")), util.ErrSessionExpired)
}

func TestTransport_ExpiresAfterConnect(t *testing.T) {
	ctx := context.Background()
	pa, pb := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine(), TTL: 300 * time.Millisecond})
	b := NewTransport(pb, Options{Engine: testEngine()})
	defer a.Close()
	defer b.Close()

	offer, err := a.StartOffer(ctx)
	require.NoError(t, err)
	answer, err := b.AnswerOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, a.AcceptAnswer(ctx, answer))
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, a.Send(ctx, []byte("before expiry")))

	recvErr := make(chan error, 1)
	go func() {
		_, err := a.Recv(ctx)
		recvErr <- err
	}()

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, util.ErrSessionExpired, "a blocked read ends at the expiration")
	case <-time.After(2 * time.Second):
		t.Fatal("connected session outlived its expiration")
	}
	assert.True(t, pa.Closed())
	assert.False(t, a.Session().Ready())
	assert.ErrorIs(t, a.Send(ctx, []byte("late")), util.ErrSessionExpired)

	// the answering side shares the offer's expiration
	require.Eventually(t, pb.Closed, time.Second, 5*time.Millisecond)
	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, util.ErrSessionExpired)
}

func TestTransport_NotConnected(t *testing.T) {
	ctx := context.Background()
	pa, _ := NewMemoryPeers()
	a := NewTransport(pa, Options{Engine: testEngine()})
	defer a.Close()

	assert.ErrorIs(t, a.Send(ctx, []byte("x")), util.ErrProtocol)
	_, err := a.StartOffer(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Connect(ctx), util.ErrProtocol, "no answer accepted yet")

	_, err = a.StartOffer(ctx)
	assert.ErrorIs(t, err, util.ErrProtocol, "one session per transport")
}

func TestTransport_CloseDestroysSession(t *testing.T) {
	a, b, pa, _ := connectedPair(t)
	sess := a.Session()
	require.NoError(t, a.Close())
	assert.False(t, sess.Ready())
	assert.True(t, pa.Closed())

	_, err := b.Recv(context.Background())
	assert.ErrorIs(t, err, util.ErrTransport)
	assert.True(t, strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "closed"))
}

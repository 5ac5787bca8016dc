//go:build !production

package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/miekg/dns"
	"github.com/ruteri/tee-sidechain-worker/attestation"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
	"github.com/ruteri/tee-sidechain-worker/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShard = interfaces.ShardIdentifier{0x5a}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type enclave struct {
	key    *attestation.EnclaveKey
	source attestation.Source
}

func newEnclave(t *testing.T) enclave {
	t.Helper()
	key, err := attestation.GenerateEnclaveKey()
	require.NoError(t, err)
	return enclave{key: key, source: attestation.NewAttestedSource(key, attestation.DummyProvider{}, testLogger())}
}

func attestedPolicy() PeerPolicy {
	return PeerPolicy{Verifier: attestation.DummyVerifier{}}
}

func newResponder(t *testing.T, e enclave, cfg HandlerConfig) (*httptest.Server, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewState(), interfaces.AccountId{}, testLogger())
	l.Credit(interfaces.AccountId{0xa1}, uint256.NewInt(42))

	cfg.Shard = testShard
	cfg.Account = e.key.Account()
	h := NewHandler(cfg, e.source, l, testLogger())

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, l
}

func TestProvision_RoundTrip(t *testing.T) {
	responder := newEnclave(t)
	requester := newEnclave(t)
	srv, l := newResponder(t, responder, HandlerConfig{Policy: attestedPolicy()})

	client := NewClient(testShard, requester.key, requester.source, attestedPolicy(), testLogger())
	state, err := client.Provision(context.Background(), srv.URL)
	require.NoError(t, err)

	encoded, hash, err := l.Export()
	require.NoError(t, err)
	assert.Equal(t, testShard, state.Shard)
	assert.Equal(t, encoded, state.State)
	assert.Equal(t, hash, state.StateHash)

	target := ledger.New(ledger.NewState(), interfaces.AccountId{}, testLogger())
	require.NoError(t, target.Import(state.State, state.StateHash))
	assert.Equal(t, hash, target.StateHash())
}

func TestProvision_Rejections(t *testing.T) {
	responder := newEnclave(t)
	requester := newEnclave(t)

	skip, err := attestation.NewSkipSource(testLogger())
	require.NoError(t, err)

	registered := NewPeerSet(testLogger())

	tests := []struct {
		name   string
		cfg    HandlerConfig
		source attestation.Source
		shard  interfaces.ShardIdentifier
	}{
		{
			name:   "unattested requester",
			cfg:    HandlerConfig{Policy: attestedPolicy()},
			source: skip,
			shard:  testShard,
		},
		{
			name:   "unregistered requester",
			cfg:    HandlerConfig{Policy: PeerPolicy{Verifier: attestation.DummyVerifier{}, Peers: registered}},
			source: requester.source,
			shard:  testShard,
		},
		{
			name:   "shard not served",
			cfg:    HandlerConfig{Policy: attestedPolicy()},
			source: requester.source,
			shard:  interfaces.ShardIdentifier{0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newResponder(t, responder, tt.cfg)
			client := NewClient(tt.shard, requester.key, tt.source, attestedPolicy(), testLogger())
			_, err := client.Provision(context.Background(), srv.URL)
			require.Error(t, err)
		})
	}

	// Registered and unattested peers are accepted once allowed
	registered.AddPeer(requester.key.Account(), "https://requester")
	srv, _ := newResponder(t, responder, HandlerConfig{Policy: PeerPolicy{Verifier: attestation.DummyVerifier{}, Peers: registered}})
	_, err = NewClient(testShard, requester.key, requester.source, attestedPolicy(), testLogger()).Provision(context.Background(), srv.URL)
	require.NoError(t, err)

	lenient := PeerPolicy{Verifier: attestation.DummyVerifier{}, AllowUnattested: true}
	srv, _ = newResponder(t, responder, HandlerConfig{Policy: lenient})
	_, err = NewClient(testShard, requester.key, skip, lenient, testLogger()).Provision(context.Background(), srv.URL)
	require.NoError(t, err)
}

func TestProvision_ClientRejectsUnattestedResponder(t *testing.T) {
	responder := newEnclave(t)
	skip, err := attestation.NewSkipSource(testLogger())
	require.NoError(t, err)
	responder.source = skip

	requester := newEnclave(t)
	srv, _ := newResponder(t, responder, HandlerConfig{Policy: attestedPolicy()})

	_, err = NewClient(testShard, requester.key, requester.source, attestedPolicy(), testLogger()).Provision(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrUnattestedPeer)
}

func TestHandleProvision_KeyMismatch(t *testing.T) {
	responder := newEnclave(t)
	requester := newEnclave(t)
	other := newEnclave(t)
	srv, _ := newResponder(t, responder, HandlerConfig{Policy: attestedPolicy()})

	cred, err := requester.source.Obtain(attestation.Request{Account: requester.key.Account(), Url: "challenge"})
	require.NoError(t, err)
	body, err := json.Marshal(ProvisionRequest{
		Shard:        testShard.String(),
		Challenge:    "challenge",
		Registration: cred.Extrinsic().Payload,
		Attested:     true,
		PublicKey:    crypto.FromECDSAPub(&other.key.PrivateKey().PublicKey),
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+ProvisionPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Registration for another challenge
	body, err = json.Marshal(ProvisionRequest{
		Shard:        testShard.String(),
		Challenge:    "another",
		Registration: cred.Extrinsic().Payload,
		Attested:     true,
		PublicKey:    crypto.FromECDSAPub(&requester.key.PrivateKey().PublicKey),
	})
	require.NoError(t, err)
	resp2, err := http.Post(srv.URL+ProvisionPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestHandleProvision_RateLimit(t *testing.T) {
	responder := newEnclave(t)
	srv, _ := newResponder(t, responder, HandlerConfig{Policy: attestedPolicy(), RateLimit: 0.001, Burst: 1})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+ProvisionPath, "application/json", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestProvisionFromAny(t *testing.T) {
	responder := newEnclave(t)
	requester := newEnclave(t)
	srv, _ := newResponder(t, responder, HandlerConfig{Policy: attestedPolicy()})

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	client := NewClient(testShard, requester.key, requester.source, attestedPolicy(), testLogger())
	state, err := client.ProvisionFromAny(context.Background(), []string{dead.URL, srv.URL})
	require.NoError(t, err)
	assert.Equal(t, testShard, state.Shard)

	_, err = client.ProvisionFromAny(context.Background(), []string{dead.URL})
	require.ErrorIs(t, err, ErrNoPeerProvisioned)
}

func TestPeerSet(t *testing.T) {
	peers := NewPeerSet(testLogger())
	a, b := interfaces.AccountId{0x0a}, interfaces.AccountId{0x0b}

	assert.False(t, peers.Registered(a))
	peers.AddPeer(b, "https://b")
	peers.AddPeer(a, "https://a")
	peers.AddPeer(a, "https://a2")

	assert.True(t, peers.Registered(a))
	assert.Equal(t, []string{"https://a2", "https://b"}, peers.URLs())
}

func TestResolvePeers(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		hdr := dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
		m.Answer = []dns.RR{
			&dns.SRV{Hdr: hdr, Priority: 20, Weight: 10, Port: 2000, Target: "backup.example."},
			&dns.SRV{Hdr: hdr, Priority: 10, Weight: 1, Port: 2000, Target: "light.example."},
			&dns.SRV{Hdr: hdr, Priority: 10, Weight: 50, Port: 2001, Target: "heavy.example."},
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	defer func() { _ = srv.Shutdown() }()

	urls, err := ResolvePeers(context.Background(), "_provision._tcp.workers.example", pc.LocalAddr().String())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://heavy.example:2001",
		"https://light.example:2000",
		"https://backup.example:2000",
	}, urls)
}

package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-sidechain-worker/interfaces"
)

// DefaultResolver is the local stub resolver SRV queries go to.
const DefaultResolver = "127.0.0.53:53"

// PeerSet tracks enclaves registered on the parentchain and where they serve.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[interfaces.AccountId]string
	log   *slog.Logger
}

// NewPeerSet creates an empty peer set.
func NewPeerSet(log *slog.Logger) *PeerSet {
	return &PeerSet{
		peers: make(map[interfaces.AccountId]string),
		log:   log,
	}
}

// AddPeer records a registered enclave.
func (s *PeerSet) AddPeer(account interfaces.AccountId, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[account]; !ok {
		s.log.Debug("Added provisioning peer", slog.String("account", account.String()), slog.String("url", url))
	}
	s.peers[account] = url
}

// Registered reports whether account registered as an enclave.
func (s *PeerSet) Registered(account interfaces.AccountId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[account]
	return ok
}

// URLs returns the known peer urls in a stable order.
func (s *PeerSet) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls := make([]string, 0, len(s.peers))
	for _, url := range s.peers {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// ResolvePeers looks up the SRV records of name at server and returns
// https urls of the targets, ordered by priority then weight.
func ResolvePeers(ctx context.Context, name, server string) ([]string, error) {
	if server == "" {
		server = DefaultResolver
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	urls := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		urls = append(urls, "https://"+net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
	}
	return urls, nil
}

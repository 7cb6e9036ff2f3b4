// Package discovery maintains a live registry of liquidity providers found
// over libp2p. LPs announce their HTTP endpoints on a gossipsub topic; the
// engine merges those announcements with the statically configured LP list
// when racing quotes.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/atlasswap/atlas/internal/config"
	"github.com/atlasswap/atlas/pkg/logging"
)

// Announcement is one LP's advertisement of its HTTP API.
type Announcement struct {
	// URL is the LP's intermediary API base URL.
	URL string `json:"url"`
	// Chains lists the destination chains the LP serves.
	Chains []string `json:"chains"`
	// Timestamp is when the LP published this announcement (unix seconds).
	Timestamp int64 `json:"timestamp"`
}

// lpEntry is a registry entry with bookkeeping for staleness.
type lpEntry struct {
	Announcement
	PeerID   peer.ID
	LastSeen time.Time
}

// Service subscribes to LP announcements and keeps the registry fresh.
type Service struct {
	host  host.Host
	dht   *dht.IpfsDHT
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	cfg *config.DiscoveryConfig
	log *logging.Logger

	mu  sync.RWMutex
	lps map[peer.ID]*lpEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the discovery service. The libp2p host starts listening
// immediately; announcements begin flowing after Start.
func New(ctx context.Context, cfg *config.DiscoveryConfig) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeClient))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
	)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	return &Service{
		host:   h,
		dht:    kadDHT,
		ps:     ps,
		cfg:    cfg,
		log:    logging.GetDefault().Component("discovery"),
		lps:    make(map[peer.ID]*lpEntry),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects to bootstrap peers and begins consuming announcements.
func (s *Service) Start() error {
	for _, addrStr := range s.cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			s.log.Warn("Invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			s.log.Warn("Invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}

		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			defer cancel()
			if err := s.host.Connect(ctx, pi); err != nil {
				s.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
			} else {
				s.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if err := s.dht.Bootstrap(s.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	topic, err := s.ps.Join(s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", s.cfg.Topic, err)
	}
	s.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.sub = sub

	s.wg.Add(2)
	go s.consumeAnnouncements()
	go s.expireStale()

	return nil
}

// Stop shuts the service down.
func (s *Service) Stop() error {
	s.cancel()
	if s.sub != nil {
		s.sub.Cancel()
	}
	if s.topic != nil {
		s.topic.Close()
	}
	s.wg.Wait()
	s.dht.Close()
	return s.host.Close()
}

// ID returns the local peer id.
func (s *Service) ID() peer.ID {
	return s.host.ID()
}

// LPs returns the currently known LP base URLs, freshest first.
func (s *Service) LPs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*lpEntry, 0, len(s.lps))
	for _, e := range s.lps {
		entries = append(entries, e)
	}
	// Small registry; insertion-order scan then sort by LastSeen.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].LastSeen.After(entries[i].LastSeen) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		urls = append(urls, e.URL)
	}
	return urls
}

// LPsForChain returns LPs that advertise the given destination chain.
func (s *Service) LPsForChain(symbol string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var urls []string
	for _, e := range s.lps {
		for _, c := range e.Chains {
			if c == symbol {
				urls = append(urls, e.URL)
				break
			}
		}
	}
	return urls
}

func (s *Service) consumeAnnouncements() {
	defer s.wg.Done()

	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			return // ctx cancelled or subscription closed
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}

		var ann Announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			s.log.Debug("Malformed LP announcement", "peer", shortID(msg.ReceivedFrom), "error", err)
			continue
		}
		if ann.URL == "" {
			continue
		}

		s.mu.Lock()
		s.lps[msg.ReceivedFrom] = &lpEntry{
			Announcement: ann,
			PeerID:       msg.ReceivedFrom,
			LastSeen:     time.Now(),
		}
		count := len(s.lps)
		s.mu.Unlock()

		s.log.Debug("LP announcement", "peer", shortID(msg.ReceivedFrom), "url", ann.URL, "known", count)
	}
}

func (s *Service) expireStale() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.StaleAfter)
			s.mu.Lock()
			for id, e := range s.lps {
				if e.LastSeen.Before(cutoff) {
					delete(s.lps, id)
					s.log.Debug("Dropped stale LP", "peer", shortID(id), "url", e.URL)
				}
			}
			s.mu.Unlock()
		}
	}
}

// shortID returns a truncated peer ID for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Package tracker implements the tracker client half of the announce
// protocol: given a torrent's announce URL(s), periodically contact a
// tracker and return the peer endpoints it advertises. It supports the
// standard HTTP/bencode dialect, the optional UDP (BEP-15) dialect, and the
// private TCP+bencode dialect spoken by the in-tree rendezvous.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	maxBackoffShift        = 5
	maxConsecutiveFailures = 5
)

// Config tunes announce timing. There is no process-wide default; every
// Tracker is built with an explicit Config.
type Config struct {
	// AnnounceInterval is used when a tracker gives no explicit interval.
	AnnounceInterval time.Duration
	// MinAnnounceInterval floors whatever interval the tracker requests.
	MinAnnounceInterval time.Duration
	// MaxAnnounceBackoff caps the exponential backoff after repeated
	// announce failures.
	MaxAnnounceBackoff time.Duration
}

// Default returns reasonable announce timing.
func Default() Config {
	return Config{
		AnnounceInterval:    25 * time.Second,
		MinAnnounceInterval: 5 * time.Second,
		MaxAnnounceBackoff:  5 * time.Minute,
	}
}

// AnnounceParams carries the parameters sent on every announce, regardless
// of dialect.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is the dialect-normalized result of one announce.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Event is the BitTorrent announce event: none (a regular reannounce),
// started (first contact), stopped (client is shutting down), or completed
// (download just finished).
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

// Dialect is one wire protocol capable of performing a single announce.
type Dialect interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Tracker announces to one or more tracker tiers (BEP-12 style: the first
// tier to yield a successful announce is preferred on subsequent rounds)
// and drives a background announce loop.
type Tracker struct {
	cfg               Config
	tiers             [][]*url.URL
	mu                sync.Mutex
	dialects          map[string]Dialect
	log               *slog.Logger
	stats             *Stats
	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(addrs []netip.AddrPort)
}

// Opts supplies the hooks a Tracker needs to build announce parameters and
// to hand discovered peers to a caller (typically a peer registry).
type Opts struct {
	Config            Config
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(addrs []netip.AddrPort)
	Logger            *slog.Logger
}

// New builds a Tracker for the given announce URL and BEP-12 announce-list.
func New(announce string, announceList [][]string, opts Opts) (*Tracker, error) {
	if opts.OnAnnounceStart == nil {
		return nil, errors.New("tracker: OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	log := opts.Logger.With("component", "tracker", "tiers", len(tiers))

	return &Tracker{
		cfg:               opts.Config,
		log:               log,
		tiers:             tiers,
		stats:             &Stats{},
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
		dialects:          make(map[string]Dialect),
	}, nil
}

// Run drives the periodic announce loop until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

func (t *Tracker) Stats() Metrics {
	s := t.stats

	var lastAnnT, lastSucT time.Time
	if v := s.LastAnnounce.Load(); v > 0 {
		lastAnnT = time.Unix(v, 0)
	}
	if v := s.LastSuccess.Load(); v > 0 {
		lastSucT = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnnT,
		LastSuccess:         lastSucT,
	}
}

// Announce tries every tracker in the first tier, then the next, stopping
// at the first success; a successful URL is promoted to the front of its
// tier so it is tried first next time (BEP-12).
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			dialect, err := t.getDialect(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := dialect.Announce(ctx, params)
			if err != nil {
				lastErr = err
				t.log.Debug("announce failed", "tier", tierIdx, "url", u.String(), "error", err.Error())
				continue
			}

			t.promoteWithinTier(tierIdx, i)

			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce success",
				"tier", tierIdx,
				"url", u.String(),
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)

			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}

	return nil, lastErr
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("component", "announce loop")
	l.Debug("started")

	consecutiveFailures := 0
	ticker := time.NewTicker(10 * time.Millisecond) // fire immediately on first tick
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			params := t.onAnnounceStart()
			params.Event = EventStopped
			_, _ = t.Announce(sctx, params)
			scancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("tracker: exhausted %d consecutive announce failures", consecutiveFailures)
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				consecutiveFailures++
				ticker.Reset(t.calculateBackoff(consecutiveFailures))
				continue
			}

			t.onAnnounceSuccess(resp.Peers)

			consecutiveFailures = 0
			ticker.Reset(t.nextAnnounceInterval(resp))
		}
	}
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) getDialect(u *url.URL) (Dialect, error) {
	key := u.String()

	t.mu.Lock()
	d, ok := t.dialects[key]
	t.mu.Unlock()
	if ok {
		return d, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host, "path", u.EscapedPath())

	var (
		dialect Dialect
		err     error
	)

	switch u.Scheme {
	case "http", "https":
		dialect, err = NewHTTPTracker(u, log)
	case "udp":
		dialect, err = NewUDPTracker(u, log)
	case "tcp":
		dialect, err = NewTCPTracker(u, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.dialects[key] = dialect
	t.mu.Unlock()

	return dialect, nil
}

func (t *Tracker) calculateBackoff(failures int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := baseDelay * (1 << uint(shift))
	if t.cfg.MaxAnnounceBackoff > 0 && delay > t.cfg.MaxAnnounceBackoff {
		delay = t.cfg.MaxAnnounceBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}

func (t *Tracker) nextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	interval := t.cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}

	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if t.cfg.MinAnnounceInterval > 0 && interval < t.cfg.MinAnnounceInterval {
		interval = t.cfg.MinAnnounceInterval
	}

	return interval
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if len(announceList) == 0 {
		if s := strings.TrimSpace(announce); s != "" {
			if u, ok := parseTrackerURL(s); ok {
				tiers = append(tiers, []*url.URL{u})
			}
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, str := range tier {
			if u, ok := parseTrackerURL(str); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		if s := strings.TrimSpace(announce); s != "" {
			if u, ok := parseTrackerURL(s); ok {
				tiers = append(tiers, []*url.URL{u})
			}
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}

	switch u.Scheme {
	case "http", "https", "udp", "tcp":
		return u, true
	default:
		return nil, false
	}
}

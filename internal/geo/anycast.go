package geo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PrefixSet answers anycast membership questions for addresses. Lookups
// mask the address at every prefix length present in the set, so a match
// costs at most one map probe per distinct length.
type PrefixSet struct {
	mu       sync.RWMutex
	prefixes map[netip.Prefix]struct{}
	lengths  map[int][]int // bits per address family (4 or 6)
}

func NewPrefixSet() *PrefixSet {
	return &PrefixSet{
		prefixes: make(map[netip.Prefix]struct{}),
		lengths:  make(map[int][]int),
	}
}

// Add inserts one prefix.
func (s *PrefixSet) Add(p netip.Prefix) {
	p = p.Masked()
	family := 4
	if p.Addr().Is6() && !p.Addr().Is4In6() {
		family = 6
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prefixes[p]; ok {
		return
	}
	s.prefixes[p] = struct{}{}

	known := s.lengths[family]
	for _, b := range known {
		if b == p.Bits() {
			return
		}
	}
	s.lengths[family] = append(known, p.Bits())
}

// Contains reports whether the address falls inside any stored prefix.
func (s *PrefixSet) Contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	family := 4
	if addr.Is6() {
		family = 6
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, bits := range s.lengths[family] {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if _, ok := s.prefixes[p]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of stored prefixes.
func (s *PrefixSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prefixes)
}

// ParsePrefixTable reads a prefix-per-line table (the bgp.tools format:
// "prefix origin-asn"). Unparseable lines are skipped.
func ParsePrefixTable(r io.Reader, set *PrefixSet) (int, error) {
	scanner := bufio.NewScanner(r)
	added := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		p, err := netip.ParsePrefix(fields[0])
		if err != nil {
			continue
		}
		set.Add(p)
		added++
	}
	return added, scanner.Err()
}

// AnycastConfig configures the downloaded anycast prefix sets.
type AnycastConfig struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	V4URL      string
	V6URL      string
}

// LoadAnycast downloads both prefix tables with retries. A missing URL
// skips that family; a download that keeps failing is an error so the
// caller can decide whether to run without anycast detection.
func LoadAnycast(ctx context.Context, cfg AnycastConfig) (*PrefixSet, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	set := NewPrefixSet()
	for _, url := range []string{cfg.V4URL, cfg.V6URL} {
		if url == "" {
			continue
		}
		if err := downloadPrefixes(ctx, cfg.Logger, client, url, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func downloadPrefixes(ctx context.Context, log *slog.Logger, client *http.Client, url string, set *PrefixSet) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "NTPInfo/1.0")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("prefix table download failed with status: %d", resp.StatusCode)
		}

		added, err := ParsePrefixTable(resp.Body, set)
		if err != nil {
			return err
		}
		log.Info("loaded anycast prefix table", slog.String("url", url), slog.Int("prefixes", added))
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

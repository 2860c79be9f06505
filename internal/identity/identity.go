package identity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/maltedev/review-crawler/internal/random"
)

// Proxy is an outbound proxy parsed from a scheme://[user:pass@]host:port line.
type Proxy struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns host:port.
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Server returns scheme://host:port without credentials.
func (p Proxy) Server() string {
	return p.Scheme + "://" + p.Address()
}

// URL renders the proxy including credentials.
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme, Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p Proxy) String() string {
	return p.Server()
}

// Identity is the outward-facing fingerprint used for a single attempt.
// Proxy is nil in direct mode.
type Identity struct {
	UserAgent string
	Proxy     *Proxy
}

// ProxyLabel is "none" in direct mode.
func (i Identity) ProxyLabel() string {
	if i.Proxy == nil {
		return "none"
	}
	return i.Proxy.Server()
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 OPR/106.0.0.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// UserAgents returns a copy of the static user agent pool.
func UserAgents() []string {
	out := make([]string, len(userAgents))
	copy(out, userAgents)
	return out
}

// Pool hands out user agents and rotates through proxies. It is safe for
// concurrent use; the rotation index is shared by every caller.
type Pool struct {
	rnd     *random.Source
	proxies []Proxy
	next    atomic.Uint64
}

func NewPool(rnd *random.Source, proxies []Proxy) *Pool {
	return &Pool{rnd: rnd, proxies: proxies}
}

// SampleUserAgent picks uniformly from the static pool.
func (p *Pool) SampleUserAgent() string {
	return random.Pick(p.rnd, userAgents)
}

// NextProxy returns the next proxy in round-robin order, or nil when the pool
// is empty.
func (p *Pool) NextProxy() *Proxy {
	if len(p.proxies) == 0 {
		return nil
	}
	i := (p.next.Add(1) - 1) % uint64(len(p.proxies))
	proxy := p.proxies[i]
	return &proxy
}

// Next builds a fresh identity: a sampled user agent plus the next proxy.
func (p *Pool) Next() Identity {
	return Identity{
		UserAgent: p.SampleUserAgent(),
		Proxy:     p.NextProxy(),
	}
}

func (p *Pool) Size() int {
	return len(p.proxies)
}

// ParseProxy parses a single scheme://[user:pass@]host:port line.
func ParseProxy(line string) (Proxy, error) {
	u, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return Proxy{}, fmt.Errorf("invalid proxy %q: %w", line, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Proxy{}, fmt.Errorf("invalid proxy %q: scheme and host are required", line)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("invalid proxy %q: bad port", line)
	}

	p := Proxy{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// ParseProxies reads one proxy per line. Lines are trimmed and empty lines
// dropped; malformed lines are logged and skipped.
func ParseProxies(r io.Reader, logger *slog.Logger) ([]Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var proxies []Proxy
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p, err := ParseProxy(line)
		if err != nil {
			logger.Warn("skipping proxy", "error", err)
			continue
		}
		proxies = append(proxies, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxies: %w", err)
	}
	return proxies, nil
}

// LoadProxies reads the proxy file at path. A missing file is not an error
// and yields an empty pool, which means direct connections.
func LoadProxies(path string, logger *slog.Logger) ([]Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "identity")

	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("proxy file not found, using direct connections", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	proxies, err := ParseProxies(f, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("loaded proxies", "count", len(proxies))
	return proxies, nil
}

package esclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// cachedResolver backs every esclient dialer with a shared, periodically
// refreshed DNS cache: a rule's backing store is polled on every tick,
// and re-resolving the hostname on each request is wasted latency the
// cache removes.
var cachedResolver = &dnscache.Resolver{}

func init() {
	go refreshResolver()
}

func refreshResolver() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for range t.C {
		cachedResolver.Refresh(true)
	}
}

// dnsCachedDialContext resolves through cachedResolver before falling back
// to net.Dialer's own resolution, trying each returned address in order.
func dnsCachedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialer.DialContext(ctx, network, addr)
	}
	ips, err := cachedResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return dialer.DialContext(ctx, network, addr)
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// rateLimitedTransport bounds outbound requests per second to the backing
// store, so a densely packed rule set never drives more query/writeback
// traffic at the cluster than an operator has configured.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return t.base.RoundTrip(req)
}

// OAuth2Config configures client-credentials bearer-token auth for backing
// stores fronted by an OAuth2/OIDC gateway, as an alternative to the
// go-elasticsearch client's own basic-auth fields.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// newBaseTransport builds the shared DNS-cached, rate-limited transport
// every Client uses, optionally wrapped with OAuth2 client-credentials
// bearer-token auth.
func newBaseTransport(requestsPerSecond float64, oauth2cfg *OAuth2Config) http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dnsCachedDialContext

	var rt http.RoundTripper = transport
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rt = &rateLimitedTransport{base: rt, limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
	}

	if oauth2cfg != nil {
		cc := clientcredentials.Config{
			ClientID:     oauth2cfg.ClientID,
			ClientSecret: oauth2cfg.ClientSecret,
			TokenURL:     oauth2cfg.TokenURL,
			Scopes:       oauth2cfg.Scopes,
		}
		rt = &oauth2.Transport{Base: rt, Source: cc.TokenSource(context.Background())}
	}
	return rt
}

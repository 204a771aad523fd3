package profile

import (
	"net"
	"net/http"
	"strings"

	"ums-dlna/work/config"
	"ums-dlna/work/logger"

	"github.com/grafana/regexp"
	"github.com/puzpuzpuz/xsync/v3"
)

// Recognition is the outcome of matching an incoming request to a renderer
// profile. Profile is never nil; Recognized reports whether a configured
// profile matched or the default was assumed.
type Recognition struct {
	Profile    *config.RendererProfile
	Recognized bool
}

// compiledProfile pairs a configured profile with its precompiled match
// expressions. Profiles with unparseable expressions are skipped at load
// with a warning rather than failing startup.
type compiledProfile struct {
	profile     *config.RendererProfile
	headerName  string
	headerRegex *regexp.Regexp
	upnpRegex   *regexp.Regexp
}

// Matcher resolves which renderer profile governs a request. Strategies run
// in a fixed order: an explicit no-transcode URL hint wins, then a prior
// match remembered for the peer address, then header signatures in
// configuration order, then the default profile.
type Matcher struct {
	cfg       *config.Config
	compiled  []*compiledProfile
	noTrans   *config.RendererProfile
	fallback  *config.RendererProfile
	byAddress *xsync.MapOf[string, *config.RendererProfile]
}

// NewMatcher compiles every configured profile's match expressions.
func NewMatcher(cfg *config.Config) *Matcher {
	m := &Matcher{
		cfg:       cfg,
		fallback:  cfg.GetDefaultProfile(),
		byAddress: xsync.NewMapOf[string, *config.RendererProfile](),
	}

	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		if p.NoTranscode && m.noTrans == nil {
			m.noTrans = p
		}

		cp := &compiledProfile{profile: p}

		headerName := p.HeaderName
		headerExpr := p.HeaderRegex
		if headerName == "" {
			headerName = "User-Agent"
			headerExpr = p.UserAgentRegex
		}
		if headerExpr != "" {
			re, err := regexp.Compile(headerExpr)
			if err != nil {
				logger.Warn("{profile - NewMatcher} Skipping profile %s: bad header expression: %v", p.Name, err)
				continue
			}
			cp.headerName = headerName
			cp.headerRegex = re
		}

		if p.UpnpDetailsRegex != "" {
			re, err := regexp.Compile(p.UpnpDetailsRegex)
			if err != nil {
				logger.Warn("{profile - NewMatcher} Profile %s has bad UPnP details expression: %v", p.Name, err)
			} else {
				cp.upnpRegex = re
			}
		}

		m.compiled = append(m.compiled, cp)
	}

	return m
}

// MatchRequest resolves the governing profile for an HTTP request.
func (m *Matcher) MatchRequest(r *http.Request) Recognition {
	// explicit no-transcode hint in the request path outranks everything
	if m.noTrans != nil && strings.Contains(r.URL.Path, "/notranscode/") {
		return Recognition{Profile: m.noTrans, Recognized: true}
	}

	addr := peerAddress(r)
	if p, ok := m.byAddress.Load(addr); ok {
		return Recognition{Profile: p, Recognized: true}
	}

	for _, cp := range m.compiled {
		if cp.headerRegex == nil {
			continue
		}
		value := r.Header.Get(cp.headerName)
		if value != "" && cp.headerRegex.MatchString(value) {
			m.byAddress.Store(addr, cp.profile)
			logger.Debug("{profile - MatchRequest} Recognized %s as %s via %s header", addr, cp.profile.Name, cp.headerName)
			return Recognition{Profile: cp.profile, Recognized: true}
		}
	}

	return Recognition{Profile: m.fallback, Recognized: false}
}

// MatchUpnpDetails resolves a profile from a device description's
// manufacturer and model text, remembering the result for the given
// address so later plain media requests recognize the peer.
func (m *Matcher) MatchUpnpDetails(addr, details string) (Recognition, bool) {
	for _, cp := range m.compiled {
		if cp.upnpRegex == nil {
			continue
		}
		if cp.upnpRegex.MatchString(details) {
			if addr != "" {
				m.byAddress.Store(addr, cp.profile)
			}
			logger.Debug("{profile - MatchUpnpDetails} Recognized %s as %s via device description", addr, cp.profile.Name)
			return Recognition{Profile: cp.profile, Recognized: true}, true
		}
	}
	return Recognition{Profile: m.fallback, Recognized: false}, false
}

// RememberAddress pins a profile to a peer address directly, used when
// recognition happened out of band.
func (m *Matcher) RememberAddress(addr string, p *config.RendererProfile) {
	m.byAddress.Store(addr, p)
}

// Forget drops the remembered profile for an address.
func (m *Matcher) Forget(addr string) {
	m.byAddress.Delete(addr)
}

// peerAddress extracts the bare host from a request's remote address.
func peerAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

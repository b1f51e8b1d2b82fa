package fleetbuild

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/fleetid"
	"github.com/relayfleet/relayfleet/internal/reload"
	"github.com/relayfleet/relayfleet/internal/registry"
	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

// EscaperEntity adapts escaper.Escaper to reload.Entity. Every escaper
// implementation — leaf or composite — is an immutable value: a
// composite captures its children by interface value at construction, so
// there is no field an in-place reload could narrow without risking a
// stale child reference. Reload/UpdateInPlace are therefore unreachable
// no-ops; every config change takes BaseConfig's default
// ReloadAndRespawn path through Factory instead.
type EscaperEntity struct {
	escaper.Escaper
}

func (e EscaperEntity) Reload(cfg registry.Config) error                     { return nil }
func (e EscaperEntity) UpdateInPlace(cfg registry.Config, flags uint64) error { return nil }

func resolveEscaper(reg *registry.Registry[EscaperEntity], name string) (escaper.Escaper, error) {
	h, ok := reg.Get(fleetid.Name(name))
	if !ok {
		return nil, fmt.Errorf("fleetbuild: escaper %q not found (check depends_on / apply order)", name)
	}
	return h.Value(), nil
}

func resolveEscapers(reg *registry.Registry[EscaperEntity], names []string) ([]escaper.Escaper, error) {
	out := make([]escaper.Escaper, 0, len(names))
	for _, n := range names {
		e, err := resolveEscaper(reg, n)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func parseStrategy(s string) escaper.ResolveStrategy {
	switch s {
	case "ipv6_only":
		return escaper.ResolveIPv6Only
	case "prefer_ipv4":
		return escaper.ResolvePreferIPv4
	case "prefer_ipv6":
		return escaper.ResolvePreferIPv6
	default:
		return escaper.ResolveIPv4Only
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseNetworks(cidrs []string) []net.IPNet {
	out := make([]net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil || n == nil {
			continue
		}
		out = append(out, *n)
	}
	return out
}

type directSettings struct {
	Resolver         string   `yaml:"resolver"`
	Strategy         string   `yaml:"strategy"`
	HappyEyeballsGap string   `yaml:"happy_eyeballs_gap"`
	BindInterface    string   `yaml:"bind_interface"`
	KeepAlive        string   `yaml:"keep_alive"`
	AllowedNetworks  []string `yaml:"allowed_networks"`
}

func (s directSettings) toConfig(name string) escaper.DirectConfig {
	return escaper.DirectConfig{
		Name:             name,
		Strategy:         parseStrategy(s.Strategy),
		HappyEyeballsGap: parseDuration(s.HappyEyeballsGap, 300*time.Millisecond),
		BindInterface:    s.BindInterface,
		KeepAlive:        parseDuration(s.KeepAlive, 30*time.Second),
		AllowedNetworks:  parseNetworks(s.AllowedNetworks),
	}
}

func directResolver(dc docConfig, resolvers *registry.Registry[ResolverEntity], want string) (escaper.Resolver, error) {
	name := want
	if name == "" {
		for _, d := range dc.Doc.DependsOn {
			name = d
			break
		}
	}
	if name == "" {
		return escaper.NewSystemResolver(nil), nil
	}
	h, ok := resolvers.Get(fleetid.Name(name))
	if !ok {
		return nil, fmt.Errorf("fleetbuild: escaper %s: resolver %q not found", dc.Doc.Name, name)
	}
	return h.Value(), nil
}

type tlsSettings struct {
	TLS               bool   `yaml:"tls"`
	ServerName        string `yaml:"server_name"`
	InsecureSkipVerify bool  `yaml:"insecure_skip_verify"`
}

func (s tlsSettings) toConfig() *tls.Config {
	if !s.TLS {
		return nil
	}
	return &tls.Config{ServerName: s.ServerName, InsecureSkipVerify: s.InsecureSkipVerify}
}

type proxyHttpSettings struct {
	UpstreamAddr           string      `yaml:"upstream_addr"`
	AuthHeader             string      `yaml:"auth_header"`
	PeerNegotiationTimeout string      `yaml:"peer_negotiation_timeout"`
	TLS                    tlsSettings `yaml:"tls"`
}

type proxySocks5Settings struct {
	UpstreamAddr           string      `yaml:"upstream_addr"`
	Username               string      `yaml:"username"`
	Password               string      `yaml:"password"`
	PeerNegotiationTimeout string      `yaml:"peer_negotiation_timeout"`
	TLS                    tlsSettings `yaml:"tls"`
}

type routeFailoverSettings struct {
	Primary  string   `yaml:"primary"`
	Standbys []string `yaml:"standbys"`
	Delay    string   `yaml:"delay"`
}

type routeSelectSettings struct {
	Children []string `yaml:"children"`
	Policy   string   `yaml:"policy"`
}

func parseSelectPolicy(s string) escaper.SelectPolicy {
	switch s {
	case "round_robin":
		return escaper.SelectPolicyRoundRobin
	case "random":
		return escaper.SelectPolicyRandom
	default:
		return escaper.SelectPolicyHash
	}
}

type routeMappingSettings struct {
	Table    map[string]string `yaml:"table"`
	Fallback string            `yaml:"fallback"`
}

type weightedChildSettings struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

type divertTcpSettings struct {
	Children []weightedChildSettings `yaml:"children"`
	Method   string                  `yaml:"method"`
}

func parseSelectMethod(s string) escaper.SelectMethod {
	switch s {
	case "sequential":
		return escaper.SelectSequential
	case "round_robin":
		return escaper.SelectRoundRobin
	default:
		return escaper.SelectRandom
	}
}

type trickFloatSettings struct {
	Children []weightedChildSettings `yaml:"children"`
}

type complyAuditSettings struct {
	Child              string `yaml:"child"`
	AuditPath          string `yaml:"audit_path"`
	AuditMaxRows       int    `yaml:"audit_max_rows"`
	AuditFlushInterval string `yaml:"audit_flush_interval"`
}

// BuildEscaperFactory returns the reload.Factory constructing an
// EscaperEntity from an "escaper" kind document. Leaf types (direct,
// direct_float, proxy_http(s), proxy_socks5(s), dummy_deny) and the
// composites whose children are named escapers (route_failover,
// route_select, route_mapping, divert_tcp, trick_float, comply_audit) are
// fully wired. RouteGeoIp/RouteQuery/RouteUpstream are not: their
// IPTable/SuffixTrie/RegexMatchTrie/Oracle/GeoReader fields are Go-value
// types with no natural flat-YAML encoding, and building a general
// serialization layer for them is out of scope for this pass (documented
// in DESIGN.md). Because reload.Driver.Apply walks configs in
// dependency-topological order (per internal/registry.TopoMap), every
// composite's children are already live in escapers by the time its own
// factory call runs, as long as the document's depends_on lists them.
func BuildEscaperFactory(escapers *registry.Registry[EscaperEntity], resolvers *registry.Registry[ResolverEntity]) reload.Factory[EscaperEntity] {
	return func(cfg registry.Config) (EscaperEntity, error) {
		dc, ok := asDocConfig(cfg)
		if !ok {
			return EscaperEntity{}, fmt.Errorf("fleetbuild: escaper %s: unexpected config type", cfg.Name())
		}
		e, err := buildEscaper(dc, escapers, resolvers)
		if err != nil {
			return EscaperEntity{}, err
		}
		return EscaperEntity{Escaper: e}, nil
	}
}

func buildEscaper(dc docConfig, escapers *registry.Registry[EscaperEntity], resolvers *registry.Registry[ResolverEntity]) (escaper.Escaper, error) {
	name := dc.Doc.Name
	switch dc.Doc.Type {
	case "direct", "direct_float":
		var s directSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		resolver, err := directResolver(dc, resolvers, s.Resolver)
		if err != nil {
			return nil, err
		}
		cfg := s.toConfig(name)
		if dc.Doc.Type == "direct_float" {
			return escaper.NewDirectFloat(cfg, resolver), nil
		}
		return escaper.NewDirectFixed(cfg, resolver), nil

	case "proxy_http", "proxy_https":
		var s proxyHttpSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		cfg := escaper.ProxyHttpConfig{
			Name:                   name,
			UpstreamAddr:           s.UpstreamAddr,
			AuthHeader:             s.AuthHeader,
			PeerNegotiationTimeout: parseDuration(s.PeerNegotiationTimeout, 10*time.Second),
			UpstreamTLSConfig:      s.TLS.toConfig(),
		}
		if dc.Doc.Type == "proxy_https" {
			return escaper.NewProxyHttps(cfg), nil
		}
		return escaper.NewProxyHttp(cfg), nil

	case "proxy_socks5", "proxy_socks5s":
		var s proxySocks5Settings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		cfg := escaper.ProxySocks5Config{
			Name:                   name,
			UpstreamAddr:           s.UpstreamAddr,
			Username:               s.Username,
			Password:               s.Password,
			PeerNegotiationTimeout: parseDuration(s.PeerNegotiationTimeout, 10*time.Second),
			UpstreamTLSConfig:      s.TLS.toConfig(),
		}
		if dc.Doc.Type == "proxy_socks5s" {
			return escaper.NewProxySocks5s(cfg), nil
		}
		return escaper.NewProxySocks5(cfg), nil

	case "dummy_deny":
		return escaper.NewDummyDeny(name), nil

	case "route_failover":
		var s routeFailoverSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		primary, err := resolveEscaper(escapers, s.Primary)
		if err != nil {
			return nil, err
		}
		standbys, err := resolveEscapers(escapers, s.Standbys)
		if err != nil {
			return nil, err
		}
		return escaper.NewRouteFailover(name, primary, standbys, parseDuration(s.Delay, 2*time.Second)), nil

	case "route_select":
		var s routeSelectSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		children, err := resolveEscapers(escapers, s.Children)
		if err != nil {
			return nil, err
		}
		return escaper.NewRouteSelect(name, children, parseSelectPolicy(s.Policy)), nil

	case "route_mapping":
		var s routeMappingSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		table := make(map[string]escaper.Escaper, len(s.Table))
		for host, target := range s.Table {
			e, err := resolveEscaper(escapers, target)
			if err != nil {
				return nil, err
			}
			table[host] = e
		}
		var fallback escaper.Escaper
		if s.Fallback != "" {
			fb, err := resolveEscaper(escapers, s.Fallback)
			if err != nil {
				return nil, err
			}
			fallback = fb
		}
		return escaper.NewRouteMapping(name, table, fallback), nil

	case "divert_tcp":
		var s divertTcpSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		children, err := weightedChildren(escapers, s.Children)
		if err != nil {
			return nil, err
		}
		return escaper.NewDivertTcp(name, children, parseSelectMethod(s.Method)), nil

	case "trick_float":
		var s trickFloatSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		children, err := weightedChildren(escapers, s.Children)
		if err != nil {
			return nil, err
		}
		return escaper.NewTrickFloat(name, children), nil

	case "comply_audit":
		var s complyAuditSettings
		if err := dc.Doc.DecodeSettings(&s); err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		child, err := resolveEscaper(escapers, s.Child)
		if err != nil {
			return nil, err
		}
		handle, err := tasknotes.OpenAuditHandle(s.AuditPath, s.AuditMaxRows, parseDuration(s.AuditFlushInterval, 5*time.Second))
		if err != nil {
			return nil, fmt.Errorf("fleetbuild: escaper %s: %w", name, err)
		}
		return escaper.NewComplyAudit(name, child, handle), nil

	default:
		return nil, fmt.Errorf("fleetbuild: escaper %s: unknown type %q", name, dc.Doc.Type)
	}
}

func weightedChildren(escapers *registry.Registry[EscaperEntity], in []weightedChildSettings) ([]escaper.WeightedChild, error) {
	out := make([]escaper.WeightedChild, 0, len(in))
	for _, c := range in {
		e, err := resolveEscaper(escapers, c.Name)
		if err != nil {
			return nil, err
		}
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		out = append(out, escaper.WeightedChild{Escaper: e, Weight: weight})
	}
	return out, nil
}

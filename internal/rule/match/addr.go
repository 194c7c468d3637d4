package match

import (
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/urlutil"
)

func parseCIDR(value string) *net.IPNet {
	if !strings.Contains(value, "/") {
		if strings.Contains(value, ":") {
			value += "/128"
		} else {
			value += "/32"
		}
	}
	_, ipNet, err := net.ParseCIDR(value)
	if err != nil {
		slog.Error("net.ParseCIDR", slog.String("cidr", value), slog.Any("error", err))
		return nil
	}
	return ipNet
}

func hostIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(strings.Trim(host, "[]"))
}

// IPCIDR matches requests whose target host is a literal IP inside the range.
type IPCIDR struct {
	ipNet *net.IPNet
}

func (i *IPCIDR) Type() RuleType {
	return RuleTypeIPCIDR
}

func (i *IPCIDR) Match(req *common.Request) bool {
	ip := hostIP(req.Host)
	return ip != nil && i.ipNet.Contains(ip)
}

func (i *IPCIDR) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(i.Type())),
		slog.String("ip_cidr", i.ipNet.String()),
	)
}

func NewIPCIDR(rule *config.Rule) *IPCIDR {
	ipNet := parseCIDR(rule.MatchValue)
	if ipNet == nil {
		return nil
	}
	return &IPCIDR{ipNet: ipNet}
}

// SrcIP matches the client address.
type SrcIP struct {
	ipNet *net.IPNet
}

func (s *SrcIP) Type() RuleType {
	return RuleTypeSrcIP
}

func (s *SrcIP) Match(req *common.Request) bool {
	ip := hostIP(req.RemoteAddr)
	return ip != nil && s.ipNet.Contains(ip)
}

func (s *SrcIP) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(s.Type())),
		slog.String("ip_cidr", s.ipNet.String()),
	)
}

func NewSrcIP(rule *config.Rule) *SrcIP {
	ipNet := parseCIDR(rule.MatchValue)
	if ipNet == nil {
		return nil
	}
	return &SrcIP{ipNet: ipNet}
}

// DestPort matches the port of the request host, defaulting by scheme.
type DestPort struct {
	port uint16
}

func (d *DestPort) Type() RuleType {
	return RuleTypeDestPort
}

func (d *DestPort) Match(req *common.Request) bool {
	portStr := urlutil.DefaultPort(req.Scheme)
	if _, p, err := net.SplitHostPort(req.Host); err == nil {
		portStr = p
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return false
	}
	return uint16(port) == d.port
}

func (d *DestPort) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(d.Type())),
		slog.Int("port", int(d.port)),
	)
}

func NewDestPort(rule *config.Rule) *DestPort {
	port, err := strconv.ParseUint(strings.TrimSpace(rule.MatchValue), 10, 16)
	if err != nil {
		slog.Error("strconv.ParseUint", slog.String("port", rule.MatchValue), slog.Any("error", err))
		return nil
	}
	return &DestPort{port: uint16(port)}
}

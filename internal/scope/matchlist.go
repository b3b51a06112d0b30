package scope

import (
	"github.com/seancfoley/ipaddress-go/ipaddr"
)

// matchList answers "is this IP inside any configured range" using address
// tries, one per family. Built once at startup, read-only afterwards, so no
// locking on the request path.
type matchList struct {
	trieV4 *ipaddr.IPv4AddressTrie
	trieV6 *ipaddr.IPv6AddressTrie
}

// newMatchList parses the configured IPs/CIDRs. Unparseable entries are
// reported so a typo in the whitelist fails startup instead of silently
// never matching.
func newMatchList(cidrs []string) (*matchList, []string) {
	list := &matchList{
		trieV4: &ipaddr.IPv4AddressTrie{},
		trieV6: &ipaddr.IPv6AddressTrie{},
	}
	var bad []string
	for _, c := range cidrs {
		addr, err := ipaddr.NewIPAddressString(c).ToAddress()
		if err != nil {
			bad = append(bad, c)
			continue
		}
		if addr.IsIPv4() {
			list.trieV4.Add(addr.ToIPv4().ToPrefixBlock())
		} else if addr.IsIPv6() {
			list.trieV6.Add(addr.ToIPv6().ToPrefixBlock())
		}
	}
	return list, bad
}

func (l *matchList) contains(ip string) bool {
	addr, err := ipaddr.NewIPAddressString(ip).ToAddress()
	if err != nil || addr == nil {
		return false
	}
	if addr.IsIPv4() {
		return l.trieV4.ElementContains(addr.ToIPv4())
	}
	if addr.IsIPv6() {
		return l.trieV6.ElementContains(addr.ToIPv6())
	}
	return false
}

package core

import (
	"time"

	"github.com/breakdev/edgecert/log"

	"github.com/miekg/dns"
)

// domainResolves probes the resolver for A, AAAA or CNAME records before an
// http-01 issuance is attempted. A name that does not resolve cannot pass the
// challenge, so probing first saves an ACME attempt against the rate limits.
func domainResolves(domain string, resolver string) bool {
	if resolver == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			log.Debug("dns: no resolver available, skipping pre-check")
			return true
		}
		resolver = conf.Servers[0] + ":" + conf.Port
	}

	c := &dns.Client{Timeout: 5 * time.Second}
	fqdn := dns.Fqdn(domain)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCNAME} {
		m := &dns.Msg{}
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		r, _, err := c.Exchange(m, resolver)
		if err != nil {
			log.Debug("dns: query %s for %s failed: %v", dns.TypeToString[qtype], domain, err)
			continue
		}
		if r.Rcode == dns.RcodeSuccess && len(r.Answer) > 0 {
			return true
		}
	}
	return false
}

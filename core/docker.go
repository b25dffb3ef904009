package core

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/breakdev/edgecert/database"
	"github.com/breakdev/edgecert/log"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const CHALLENGE_LABEL = "cert-manager.challenge"

var hostRuleRe = regexp.MustCompile("Host\\(([^)]+)\\)")

// Discovery watches swarm services for Traefik router rules and feeds the
// hostnames they expose into the target set. A missing docker socket only
// disables discovery; statically configured domains keep working.
type Discovery struct {
	cfg *Config
	db  *database.Database
	cli *client.Client
}

func NewDiscovery(cfg *Config, db *database.Database) *Discovery {
	o := &Discovery{
		cfg: cfg,
		db:  db,
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warning("docker: client init failed: %v - auto-discovery disabled", err)
		return o
	}
	o.cli = cli
	return o
}

func (o *Discovery) Enabled() bool {
	return o.cli != nil
}

// ruleHosts pulls every hostname out of the Host(...) matchers in a router
// rule. Multiple comma-separated quoted hostnames per matcher are all
// returned.
func ruleHosts(rule string) []string {
	var hosts []string
	for _, m := range hostRuleRe.FindAllStringSubmatch(rule, -1) {
		for _, part := range strings.Split(m[1], ",") {
			h := strings.Trim(strings.TrimSpace(part), "`'\"")
			if h != "" {
				hosts = append(hosts, h)
			}
		}
	}
	return hosts
}

// serviceDomains extracts the domains a service exposes from its labels,
// along with the per-service challenge override when one is declared.
func serviceDomains(labels map[string]string) ([]string, string) {
	challenge := labels[CHALLENGE_LABEL]

	var domains []string
	for key, value := range labels {
		if !strings.Contains(key, "traefik.http.routers") || !strings.Contains(key, ".rule") {
			continue
		}
		for _, h := range ruleHosts(value) {
			if !isLocalDomain(h) && !stringExists(h, domains) {
				domains = append(domains, h)
			}
		}
	}
	return domains, challenge
}

// Scan enumerates all swarm services and offers every discovered domain to
// the target set. Domains sitting under a configured wildcard root are
// suppressed; the root's certificate already covers them.
func (o *Discovery) Scan() {
	if o.cli == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	services, err := o.cli.ServiceList(ctx, types.ServiceListOptions{})
	cancel()
	if err != nil {
		log.Error("docker: service scan failed: %v", err)
		return
	}

	for _, svc := range services {
		domains, challenge := serviceDomains(svc.Spec.Annotations.Labels)
		for _, d := range domains {
			if isWildcardCovered(d, o.cfg.GetWildcardRoots()) {
				continue
			}
			if challenge != "" {
				if err := o.db.SaveDomainConfig(d, &database.DomainConfig{Challenge: challenge}); err != nil {
					log.Error("docker: failed to save config for %s: %v", d, err)
				}
			}

			known, err := o.db.IsTarget(d)
			if err != nil {
				log.Error("docker: target lookup failed for %s: %v", d, err)
				continue
			}
			if known {
				continue
			}
			log.Info("docker: discovered new domain: %s", d)
			if err := o.db.AddTarget(d); err != nil {
				log.Error("docker: failed to add target %s: %v", d, err)
				continue
			}
			if err := o.db.PublishEvent(database.Event{Type: database.EVENT_DOMAIN_ADDED, Domain: d}); err != nil {
				log.Error("docker: failed to publish event for %s: %v", d, err)
			}
		}
	}
}

// Listen consumes the swarm service event stream and triggers an immediate
// scan on every create or update. Runs until the context is cancelled.
func (o *Discovery) Listen(ctx context.Context) {
	if o.cli == nil {
		return
	}
	log.Info("docker: starting service event listener")

	f := filters.NewArgs(filters.Arg("type", "service"))
	for {
		msgs, errs := o.cli.Events(ctx, events.ListOptions{Filters: f})
	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					break stream
				}
				if msg.Action == "create" || msg.Action == "update" {
					log.Info("docker: service event '%s' - triggering scan", msg.Action)
					o.Scan()
				}
			case err := <-errs:
				if ctx.Err() != nil {
					return
				}
				log.Error("docker: event stream broken: %v - reconnecting", err)
				break stream
			}
		}
	}
}

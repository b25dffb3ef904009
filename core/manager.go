package core

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/breakdev/edgecert/database"
	"github.com/breakdev/edgecert/log"

	"github.com/redis/go-redis/v9"
)

const (
	BACKOFF_BASE     = 300 * time.Second
	BACKOFF_MAX      = 86400 * time.Second
	RATE_LIMIT_FLOOR = 3600 * time.Second

	RENEW_LEAD  = 30 * 24 * time.Hour
	RETRY_SOON  = 300 * time.Second
	ERROR_TAIL  = 200
	RECONCILE_T = 60 * time.Second
)

// Manager is the single writer of the schedule, the failure metadata and the
// certificate artifacts. One issuance at a time; ACME account rate limits
// make serial processing the correct default.
type Manager struct {
	cfg        *Config
	db         *database.Database
	acme       *Acme
	discovery  *Discovery
	reconciler *Reconciler
	notifier   *Notifier
}

func NewManager(cfg *Config, db *database.Database, acme *Acme, discovery *Discovery, notifier *Notifier) *Manager {
	return &Manager{
		cfg:        cfg,
		db:         db,
		acme:       acme,
		discovery:  discovery,
		reconciler: NewReconciler(cfg, db, discovery),
		notifier:   notifier,
	}
}

// resolveChallenge picks the challenge for a domain: the static http list
// wins, then the per-domain override written by discovery, then the default.
func (o *Manager) resolveChallenge(domain string) string {
	if o.cfg.IsHttpDomain(domain) {
		return "http"
	}
	dc, err := o.db.GetDomainConfig(domain)
	if err != nil {
		log.Debug("manager: config lookup failed for %s: %v", domain, err)
	} else if dc != nil && dc.Challenge != "" {
		return dc.Challenge
	}
	return o.cfg.GetDefaultChallenge()
}

// backoffDelay grows 5m, 10m, 20m ... capped at 24h. Output that smells like
// a CA rate limit enforces a one hour floor on top.
func backoffDelay(failures int, output string) time.Duration {
	delay := BACKOFF_MAX
	if failures < 1 {
		failures = 1
	}
	if failures <= 9 {
		delay = BACKOFF_BASE * time.Duration(1<<uint(failures-1))
		if delay > BACKOFF_MAX {
			delay = BACKOFF_MAX
		}
	}
	if strings.Contains(output, "429") || strings.Contains(strings.ToLower(output), "rate limit") {
		if delay < RATE_LIMIT_FLOOR {
			delay = RATE_LIMIT_FLOOR
		}
	}
	return delay
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// publishCert pushes the issued pair into the store and notifies followers.
func (o *Manager) publishCert(domain string) {
	data, err := o.acme.ReadCertFiles(domain)
	if err != nil {
		log.Warning("manager: cannot publish %s: %v", domain, err)
		return
	}
	if err := o.db.SaveCertData(domain, data); err != nil {
		log.Error("manager: failed to store certificate for %s: %v", domain, err)
		return
	}
	log.Info("manager: published certificate data for %s", domain)

	if err := o.db.PublishEvent(database.Event{Type: database.EVENT_CERT_UPDATED, Domain: domain}); err != nil {
		log.Error("manager: failed to publish event for %s: %v", domain, err)
	}
}

// processDomain performs the scheduled action for one domain and reschedules
// it. ACME failures never leave this function; they become back-off state.
func (o *Manager) processDomain(domain string) {
	challenge := o.resolveChallenge(domain)
	log.Info("manager: issuing certificate for %s (challenge: %s)", domain, challenge)

	if challenge == "http" && o.cfg.IsDnsPrecheckEnabled() {
		if !domainResolves(domain, o.cfg.GetDnsResolver()) {
			log.Warning("manager: %s does not resolve, deferring issuance", domain)
			if err := o.db.Schedule(domain, time.Now().Add(RETRY_SOON)); err != nil {
				log.Error("manager: failed to reschedule %s: %v", domain, err)
			}
			return
		}
	}

	ok, output := o.acme.Issue(domain, challenge)
	now := time.Now()

	if ok {
		o.publishCert(domain)

		expiry, err := o.acme.CertExpiry(domain)
		if err != nil {
			// successful run but unreadable cert; retry soon
			log.Warning("manager: cannot read expiry for %s: %v", domain, err)
			if err := o.db.Schedule(domain, now.Add(RETRY_SOON)); err != nil {
				log.Error("manager: failed to reschedule %s: %v", domain, err)
			}
			return
		}

		next := expiry.Add(-RENEW_LEAD)
		log.Success("manager: certificate for %s valid until %s, next renewal %s", domain,
			expiry.Format(time.RFC3339), next.Format(time.RFC3339))
		if err := o.db.Schedule(domain, next); err != nil {
			log.Error("manager: failed to reschedule %s: %v", domain, err)
		}
		if err := o.db.ClearMeta(domain); err != nil {
			log.Debug("manager: failed to clear meta for %s: %v", domain, err)
		}
		o.notifier.NotifyIssued(domain)
		return
	}

	meta, err := o.db.GetMeta(domain)
	if err != nil || meta == nil {
		meta = &database.Meta{}
	}
	meta.Failures++
	meta.LastError = tailOf(output, ERROR_TAIL)
	if err := o.db.SaveMeta(domain, meta); err != nil {
		log.Error("manager: failed to save meta for %s: %v", domain, err)
	}

	delay := backoffDelay(meta.Failures, output)
	log.Warning("manager: issuance for %s failed (attempt #%d), retrying in %s", domain, meta.Failures, delay)
	if err := o.db.Schedule(domain, now.Add(delay)); err != nil {
		log.Error("manager: failed to reschedule %s: %v", domain, err)
	}
	o.notifier.NotifyFailed(domain, meta.LastError)
}

// processDue executes at most one due schedule entry.
func (o *Manager) processDue() {
	domain, found, err := o.db.NextDue(time.Now())
	if err != nil {
		log.Error("manager: schedule poll failed: %v", err)
		return
	}
	if !found {
		return
	}
	o.processDomain(domain)
}

func (o *Manager) handleEvent(payload string) {
	var ev database.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Type == "" {
		log.Warning("manager: ignoring malformed event: %s", payload)
		return
	}

	switch ev.Type {
	case database.EVENT_DOMAIN_ADDED, database.EVENT_FORCE_RENEW:
		log.Info("manager: event %s for %s, scheduling now", ev.Type, ev.Domain)
		if err := o.db.Schedule(ev.Domain, time.Now()); err != nil {
			log.Error("manager: failed to schedule %s: %v", ev.Domain, err)
		}
	case database.EVENT_CERT_UPDATED:
		// our own output echoed back
	default:
		log.Warning("manager: ignoring unknown event type '%s'", ev.Type)
	}
}

// Run is the control loop: poll one event with a one second timeout, run the
// reconciler on its own ticker, process at most one due domain per iteration.
// A termination signal drains the current issuance and exits.
func (o *Manager) Run(ctx context.Context) error {
	log.Info("manager: starting certificate manager")

	o.reconciler.Run()

	if o.discovery != nil && o.discovery.Enabled() {
		go o.discovery.Listen(ctx)
	}

	pubsub := o.db.SubscribeEvents(ctx)
	defer pubsub.Close()
	log.Info("manager: subscribed to %s", database.CHANNEL_EVENTS)

	ticker := time.NewTicker(RECONCILE_T)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("manager: shutting down")
			return nil
		}

		msg, err := pubsub.ReceiveTimeout(ctx, time.Second)
		if err == nil {
			if m, ok := msg.(*redis.Message); ok {
				o.handleEvent(m.Payload)
			}
		} else if ctx.Err() != nil {
			log.Info("manager: shutting down")
			return nil
		}

		select {
		case <-ticker.C:
			o.reconciler.Run()
		default:
		}

		o.processDue()
	}
}

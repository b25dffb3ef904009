package core

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breakdev/edgecert/database"
	"github.com/breakdev/edgecert/log"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

type TraefikCertificate struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type TraefikTLS struct {
	Certificates []TraefikCertificate `yaml:"certificates"`
}

type TraefikDynamicConfig struct {
	TLS TraefikTLS `yaml:"tls"`
}

// Syncer is the follower side: it mirrors published certificate bytes onto
// local disk and regenerates the proxy's dynamic TLS manifest. It never
// writes to the store and multiple replicas need no coordination.
type Syncer struct {
	cfg        *Config
	db         *database.Database
	certsDir   string
	outputFile string
}

func NewSyncer(cfg *Config, db *database.Database) (*Syncer, error) {
	o := &Syncer{
		cfg:        cfg,
		db:         db,
		certsDir:   filepath.Join(cfg.GetCertsDir(), "certificates"),
		outputFile: cfg.GetDynamicConfigFile(),
	}
	if err := CreateDir(o.certsDir, 0700); err != nil {
		return nil, err
	}
	return o, nil
}

// SyncCerts mirrors every artifact in the store to local disk. The key is
// written after the certificate so a domain only ever appears in the manifest
// once both halves are present. Files of removed domains stay; append-only
// behaviour keeps the proxy serving through a store outage.
func (o *Syncer) SyncCerts() error {
	log.Info("syncer: syncing certificates from store")

	domains, err := o.db.ScanCertData()
	if err != nil {
		return err
	}

	for _, domain := range domains {
		data, err := o.db.GetCertData(domain)
		if err != nil {
			log.Warning("syncer: skipping %s: %v", domain, err)
			continue
		}
		crtPath := filepath.Join(o.certsDir, domain+".crt")
		keyPath := filepath.Join(o.certsDir, domain+".key")

		if err := ioutil.WriteFile(crtPath, []byte(data.Crt), 0644); err != nil {
			log.Error("syncer: failed to write %s: %v", crtPath, err)
			continue
		}
		if err := ioutil.WriteFile(keyPath, []byte(data.Key), 0600); err != nil {
			log.Error("syncer: failed to write %s: %v", keyPath, err)
			continue
		}
	}
	log.Info("syncer: sync complete (%d domains)", len(domains))
	return nil
}

// GenerateDynamicConfig enumerates the mirrored pairs and installs the
// Traefik dynamic TLS manifest via write-temp-then-rename, so the proxy never
// observes a partial file.
func (o *Syncer) GenerateDynamicConfig() error {
	certFiles, err := filepath.Glob(filepath.Join(o.certsDir, "*.crt"))
	if err != nil {
		return err
	}

	config := TraefikDynamicConfig{}
	for _, crtPath := range certFiles {
		base := strings.TrimSuffix(filepath.Base(crtPath), ".crt")
		keyPath := filepath.Join(o.certsDir, base+".key")
		if _, err := os.Stat(keyPath); err != nil {
			log.Warning("syncer: missing key for certificate: %s", crtPath)
			continue
		}
		config.TLS.Certificates = append(config.TLS.Certificates, TraefikCertificate{
			CertFile: crtPath,
			KeyFile:  keyPath,
		})
	}

	data, err := yaml.Marshal(&config)
	if err != nil {
		return err
	}

	tmpFile := o.outputFile + ".tmp"
	if err := ioutil.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, o.outputFile); err != nil {
		return err
	}
	log.Info("syncer: updated %s with %d certificates", o.outputFile, len(config.TLS.Certificates))
	return nil
}

func (o *Syncer) syncAndGenerate() {
	if err := o.SyncCerts(); err != nil {
		log.Error("syncer: sync failed: %v", err)
		return
	}
	if err := o.GenerateDynamicConfig(); err != nil {
		log.Error("syncer: manifest generation failed: %v", err)
	}
}

// Run performs the initial full sync and then re-runs it on every event on
// the channel, whatever its body, plus a periodic watchdog pass. Events are
// delivered at most once; the full scan on each one compensates for loss.
func (o *Syncer) Run(ctx context.Context) error {
	log.Info("syncer: starting certificate syncer")

	o.syncAndGenerate()

	pubsub := o.db.SubscribeEvents(ctx)
	defer pubsub.Close()
	log.Info("syncer: subscribed to %s", database.CHANNEL_EVENTS)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("syncer: shutting down")
			return nil
		}

		msg, err := pubsub.ReceiveTimeout(ctx, 10*time.Second)
		if err == nil {
			if _, ok := msg.(*redis.Message); ok {
				log.Info("syncer: received update event")
				o.syncAndGenerate()
			}
		} else if ctx.Err() != nil {
			log.Info("syncer: shutting down")
			return nil
		}

		select {
		case <-ticker.C:
			o.syncAndGenerate()
		default:
		}
	}
}

package core

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/breakdev/edgecert/log"

	"github.com/spf13/viper"
)

type Config struct {
	valkeyHost     string
	valkeyPort     int
	valkeyPassword string
	valkeyTimeout  time.Duration

	certsDir    string
	acmeEmail   string
	challenge   string
	httpDomains []string
	httpPort    string
	dnsPrecheck bool
	dnsResolver string
	dnsProvider string
	acmeServer  string
	extraArgs   string
	legoBinary  string

	wildcardRoots []string

	dynamicConfigFile string
	healthListen      string
	webhookUrl        string

	cfg *viper.Viper
}

const (
	CFG_VALKEY_HOST     = "valkey_host"
	CFG_VALKEY_PORT     = "valkey_port"
	CFG_VALKEY_PASSWORD = "valkey_password"
	CFG_VALKEY_TIMEOUT  = "valkey_timeout"
	CFG_CERTS_DIR       = "certs_dir"
	CFG_ACME_EMAIL      = "acme_email"
	CFG_ACME_CHALLENGE  = "acme_challenge_type"
	CFG_ACME_HTTP       = "acme_http_domains"
	CFG_ACME_HTTP_PORT  = "acme_http_port"
	CFG_DNS_PRECHECK    = "acme_dns_precheck"
	CFG_DNS_RESOLVER    = "acme_dns_resolver"
	CFG_DNS_PROVIDER    = "lego_dns_provider"
	CFG_ACME_SERVER     = "lego_server"
	CFG_EXTRA_ARGS      = "lego_extra_args"
	CFG_LEGO_BINARY     = "lego_binary"
	CFG_WILDCARD        = "domains_wildcard"
	CFG_DYNAMIC_CONFIG  = "traefik_dynamic_config_file"
	CFG_HEALTH_LISTEN   = "health_listen"
	CFG_WEBHOOK_URL     = "notify_webhook_url"
)

const DEFAULT_ACME_SERVER = "https://acme-v02.api.letsencrypt.org/directory"

// LoadSecretFiles re-exports every FOO_FILE environment variable pointing at a
// readable file as FOO with the file's stripped contents. Must run before the
// configuration is read.
func LoadSecretFiles() {
	for _, kv := range os.Environ() {
		n := strings.Index(kv, "=")
		if n < 0 {
			continue
		}
		key, value := kv[:n], kv[n+1:]
		if !strings.HasSuffix(key, "_FILE") || value == "" {
			continue
		}
		fi, err := os.Stat(value)
		if err != nil || fi.IsDir() {
			continue
		}
		data, err := ioutil.ReadFile(value)
		if err != nil {
			log.Warning("config: failed to load secret %s: %v", key, err)
			continue
		}
		os.Setenv(strings.TrimSuffix(key, "_FILE"), strings.TrimSpace(string(data)))
	}
}

func NewConfig() (*Config, error) {
	c := &Config{}

	c.cfg = viper.New()
	c.cfg.SetDefault(CFG_VALKEY_HOST, "valkey")
	c.cfg.SetDefault(CFG_VALKEY_PORT, 6379)
	c.cfg.SetDefault(CFG_VALKEY_PASSWORD, "insecure_default")
	c.cfg.SetDefault(CFG_VALKEY_TIMEOUT, "5s")
	c.cfg.SetDefault(CFG_CERTS_DIR, "/certs")
	c.cfg.SetDefault(CFG_ACME_EMAIL, "")
	c.cfg.SetDefault(CFG_ACME_CHALLENGE, "dns")
	c.cfg.SetDefault(CFG_ACME_HTTP, "")
	c.cfg.SetDefault(CFG_ACME_HTTP_PORT, ":8080")
	c.cfg.SetDefault(CFG_DNS_PRECHECK, false)
	c.cfg.SetDefault(CFG_DNS_RESOLVER, "")
	c.cfg.SetDefault(CFG_DNS_PROVIDER, "manual")
	c.cfg.SetDefault(CFG_ACME_SERVER, DEFAULT_ACME_SERVER)
	c.cfg.SetDefault(CFG_EXTRA_ARGS, "")
	c.cfg.SetDefault(CFG_LEGO_BINARY, "lego")
	c.cfg.SetDefault(CFG_WILDCARD, "")
	c.cfg.SetDefault(CFG_DYNAMIC_CONFIG, "/certs/certificates.yml")
	c.cfg.SetDefault(CFG_HEALTH_LISTEN, "")
	c.cfg.SetDefault(CFG_WEBHOOK_URL, "")
	c.cfg.AutomaticEnv()

	c.valkeyHost = c.cfg.GetString(CFG_VALKEY_HOST)
	c.valkeyPort = c.cfg.GetInt(CFG_VALKEY_PORT)
	c.valkeyPassword = c.cfg.GetString(CFG_VALKEY_PASSWORD)
	c.valkeyTimeout = c.cfg.GetDuration(CFG_VALKEY_TIMEOUT)
	if c.valkeyTimeout <= 0 {
		c.valkeyTimeout = 5 * time.Second
	}
	c.certsDir = c.cfg.GetString(CFG_CERTS_DIR)
	c.acmeEmail = c.cfg.GetString(CFG_ACME_EMAIL)
	c.challenge = c.cfg.GetString(CFG_ACME_CHALLENGE)
	c.httpDomains = splitCSV(c.cfg.GetString(CFG_ACME_HTTP))
	c.httpPort = c.cfg.GetString(CFG_ACME_HTTP_PORT)
	c.dnsPrecheck = c.cfg.GetBool(CFG_DNS_PRECHECK)
	c.dnsResolver = c.cfg.GetString(CFG_DNS_RESOLVER)
	c.dnsProvider = c.cfg.GetString(CFG_DNS_PROVIDER)
	c.acmeServer = c.cfg.GetString(CFG_ACME_SERVER)
	c.extraArgs = c.cfg.GetString(CFG_EXTRA_ARGS)
	c.legoBinary = c.cfg.GetString(CFG_LEGO_BINARY)
	c.wildcardRoots = splitCSV(c.cfg.GetString(CFG_WILDCARD))
	c.dynamicConfigFile = c.cfg.GetString(CFG_DYNAMIC_CONFIG)
	c.healthListen = c.cfg.GetString(CFG_HEALTH_LISTEN)
	c.webhookUrl = c.cfg.GetString(CFG_WEBHOOK_URL)

	if c.challenge != "http" && c.challenge != "dns" {
		log.Warning("config: unknown challenge type '%s', falling back to dns", c.challenge)
		c.challenge = "dns"
	}

	return c, nil
}

func (c *Config) GetValkeyHost() string {
	return c.valkeyHost
}

func (c *Config) GetValkeyPort() int {
	return c.valkeyPort
}

func (c *Config) GetValkeyPassword() string {
	return c.valkeyPassword
}

func (c *Config) GetValkeyTimeout() time.Duration {
	return c.valkeyTimeout
}

func (c *Config) GetCertsDir() string {
	return c.certsDir
}

func (c *Config) GetAcmeEmail() string {
	return c.acmeEmail
}

func (c *Config) GetDefaultChallenge() string {
	return c.challenge
}

func (c *Config) GetHttpDomains() []string {
	return c.httpDomains
}

func (c *Config) GetHttpPort() string {
	return c.httpPort
}

func (c *Config) IsHttpDomain(domain string) bool {
	return stringExists(domain, c.httpDomains)
}

func (c *Config) IsDnsPrecheckEnabled() bool {
	return c.dnsPrecheck
}

func (c *Config) GetDnsResolver() string {
	return c.dnsResolver
}

func (c *Config) GetDnsProvider() string {
	return c.dnsProvider
}

func (c *Config) GetAcmeServer() string {
	return c.acmeServer
}

func (c *Config) GetExtraArgs() string {
	return c.extraArgs
}

func (c *Config) GetLegoBinary() string {
	return c.legoBinary
}

func (c *Config) GetWildcardRoots() []string {
	return c.wildcardRoots
}

func (c *Config) IsWildcardRoot(domain string) bool {
	return stringExists(domain, c.wildcardRoots)
}

func (c *Config) GetDynamicConfigFile() string {
	return c.dynamicConfigFile
}

func (c *Config) GetHealthListen() string {
	return c.healthListen
}

func (c *Config) GetWebhookUrl() string {
	return c.webhookUrl
}

func splitCSV(s string) []string {
	var ret []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			ret = append(ret, part)
		}
	}
	return ret
}

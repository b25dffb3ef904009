package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KEY_TARGETS     = "target_domains"
	KEY_SCHEDULE    = "cert_schedule"
	KEY_META        = "cert_meta"
	KEY_CONFIG      = "cert_config"
	KEY_DATA_PREFIX = "cert_data:"

	CHANNEL_EVENTS = "events/certs_updated"
)

const (
	EVENT_DOMAIN_ADDED = "domain_added"
	EVENT_CERT_UPDATED = "cert_updated"
	EVENT_FORCE_RENEW  = "force_renew"
)

type Event struct {
	Type   string `json:"type"`
	Domain string `json:"domain"`
}

type Meta struct {
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

type DomainConfig struct {
	Challenge string `json:"challenge,omitempty"`
}

type CertData struct {
	Crt string
	Key string
}

type Database struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewDatabase(host string, port int, password string, timeout time.Duration) (*Database, error) {
	d := &Database{
		timeout: timeout,
	}

	d.rdb = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
	})
	return d, nil
}

func (d *Database) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.timeout)
}

func (d *Database) Ping() error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.Ping(ctx).Err()
}

func (d *Database) Close() error {
	return d.rdb.Close()
}

func (d *Database) AddTarget(domain string) error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.SAdd(ctx, KEY_TARGETS, domain).Err()
}

func (d *Database) RemoveTarget(domain string) error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.SRem(ctx, KEY_TARGETS, domain).Err()
}

func (d *Database) IsTarget(domain string) (bool, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.SIsMember(ctx, KEY_TARGETS, domain).Result()
}

func (d *Database) ListTargets() ([]string, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.SMembers(ctx, KEY_TARGETS).Result()
}

func (d *Database) Schedule(domain string, ts time.Time) error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.ZAdd(ctx, KEY_SCHEDULE, redis.Z{
		Score:  float64(ts.Unix()),
		Member: domain,
	}).Err()
}

func (d *Database) Unschedule(domain string) error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.ZRem(ctx, KEY_SCHEDULE, domain).Err()
}

func (d *Database) ListScheduled() ([]string, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.ZRange(ctx, KEY_SCHEDULE, 0, -1).Result()
}

func (d *Database) ScheduledAt(domain string) (time.Time, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	score, err := d.rdb.ZScore(ctx, KEY_SCHEDULE, domain).Result()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(score), 0), nil
}

// NextDue returns at most one domain whose scheduled time is not after 'now'.
// The entry stays in the schedule; rescheduling is the only way to advance it.
func (d *Database) NextDue(now time.Time) (string, bool, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	items, err := d.rdb.ZRangeByScore(ctx, KEY_SCHEDULE, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.Unix()),
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return "", false, err
	}
	if len(items) == 0 {
		return "", false, nil
	}
	return items[0], true, nil
}

func (d *Database) GetMeta(domain string) (*Meta, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	raw, err := d.rdb.HGet(ctx, KEY_META, domain).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *Database) SaveMeta(domain string, m *Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.HSet(ctx, KEY_META, domain, string(raw)).Err()
}

func (d *Database) ClearMeta(domain string) error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.HDel(ctx, KEY_META, domain).Err()
}

func (d *Database) GetDomainConfig(domain string) (*DomainConfig, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	raw, err := d.rdb.HGet(ctx, KEY_CONFIG, domain).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dc DomainConfig
	if err := json.Unmarshal([]byte(raw), &dc); err != nil {
		return nil, err
	}
	return &dc, nil
}

func (d *Database) SaveDomainConfig(domain string, dc *DomainConfig) error {
	raw, err := json.Marshal(dc)
	if err != nil {
		return err
	}
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.HSet(ctx, KEY_CONFIG, domain, string(raw)).Err()
}

// SaveCertData writes both fields in a single HSET so readers never observe a
// certificate without its key.
func (d *Database) SaveCertData(domain string, data *CertData) error {
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.HSet(ctx, KEY_DATA_PREFIX+domain, "crt", data.Crt, "key", data.Key).Err()
}

func (d *Database) GetCertData(domain string) (*CertData, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	fields, err := d.rdb.HGetAll(ctx, KEY_DATA_PREFIX+domain).Result()
	if err != nil {
		return nil, err
	}
	crt, ok1 := fields["crt"]
	key, ok2 := fields["key"]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("incomplete certificate data for '%s'", domain)
	}
	return &CertData{Crt: crt, Key: key}, nil
}

// ScanCertData walks all cert_data:* keys and returns the domains they cover.
func (d *Database) ScanCertData() ([]string, error) {
	ctx, cancel := d.ctx()
	defer cancel()

	var domains []string
	var cursor uint64
	for {
		keys, next, err := d.rdb.Scan(ctx, cursor, KEY_DATA_PREFIX+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			domains = append(domains, strings.TrimPrefix(k, KEY_DATA_PREFIX))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return domains, nil
}

func (d *Database) PublishEvent(ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := d.ctx()
	defer cancel()
	return d.rdb.Publish(ctx, CHANNEL_EVENTS, string(raw)).Err()
}

// SubscribeEvents opens a pub/sub subscription on the event channel. The
// caller owns the returned handle and must Close it.
func (d *Database) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return d.rdb.Subscribe(ctx, CHANNEL_EVENTS)
}

package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/breakdev/edgecert/database"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, env map[string]string) (*Manager, *Acme, *database.Database) {
	t.Helper()

	a, cfg := testAcme(t, env)
	db, _ := testStore(t)

	notifier, err := NewNotifier("")
	require.NoError(t, err)

	m := NewManager(cfg, db, a, nil, notifier)
	return m, a, db
}

func TestBackoffDelay(t *testing.T) {
	expected := []time.Duration{
		300 * time.Second, 600 * time.Second, 1200 * time.Second, 2400 * time.Second,
		4800 * time.Second, 9600 * time.Second, 19200 * time.Second, 38400 * time.Second,
	}
	for n := 1; n <= 8; n++ {
		assert.Equal(t, expected[n-1], backoffDelay(n, ""), "failures=%d", n)
	}
	assert.Equal(t, 76800*time.Second, backoffDelay(9, ""))
	assert.Equal(t, 86400*time.Second, backoffDelay(10, ""))
	assert.Equal(t, 86400*time.Second, backoffDelay(50, ""))
}

func TestBackoffDelayRateLimitFloor(t *testing.T) {
	assert.Equal(t, 3600*time.Second, backoffDelay(1, "error: 429 too many requests"))
	assert.Equal(t, 3600*time.Second, backoffDelay(2, "urn:ietf:params:acme:error:rateLimited: Rate Limit exceeded"))
	// above the floor the exponential delay stands
	assert.Equal(t, 9600*time.Second, backoffDelay(6, "429"))
	assert.Equal(t, 86400*time.Second, backoffDelay(12, "rate limit"))
}

func TestTailOf(t *testing.T) {
	assert.Equal(t, "abc", tailOf("abc", 200))
	long := strings.Repeat("x", 300) + "tail"
	assert.Len(t, tailOf(long, 200), 200)
	assert.True(t, strings.HasSuffix(tailOf(long, 200), "tail"))
}

func TestProcessDomainSuccess(t *testing.T) {
	m, a, db := testManager(t, nil)

	notAfter := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	a.run = func(name string, args ...string) ([]byte, error) {
		require.NoError(t, os.WriteFile(a.CertPath("a.example.com"), testCertPEM(t, "a.example.com", notAfter), 0644))
		require.NoError(t, os.WriteFile(a.KeyPath("a.example.com"), []byte("PRIVATE"), 0600))
		return []byte("obtained"), nil
	}

	require.NoError(t, db.SaveMeta("a.example.com", &database.Meta{Failures: 3, LastError: "old"}))

	ctx := context.Background()
	pubsub := db.SubscribeEvents(ctx)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	m.processDomain("a.example.com")

	data, err := db.GetCertData("a.example.com")
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE", data.Key)
	assert.Contains(t, data.Crt, "BEGIN CERTIFICATE")

	msg, err := pubsub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	rm, ok := msg.(*redis.Message)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"cert_updated","domain":"a.example.com"}`, rm.Payload)

	ts, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, notAfter.Add(-30*24*time.Hour), ts, time.Second)

	meta, err := db.GetMeta("a.example.com")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestProcessDomainSuccessWithoutReadableCert(t *testing.T) {
	m, a, db := testManager(t, nil)

	// tool reports success but leaves nothing usable on disk
	a.run = func(name string, args ...string) ([]byte, error) {
		return []byte("ok"), nil
	}

	before := time.Now()
	m.processDomain("a.example.com")

	ts, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(RETRY_SOON), ts, 5*time.Second)
}

func TestProcessDomainFailureBackoff(t *testing.T) {
	m, a, db := testManager(t, nil)

	a.run = func(name string, args ...string) ([]byte, error) {
		return []byte("acme: error: 429 :: rate limit"), fmt.Errorf("exit status 1")
	}

	before := time.Now()
	m.processDomain("a.example.com")

	meta, err := db.GetMeta("a.example.com")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.Failures)
	assert.Contains(t, meta.LastError, "rate limit")

	// rate-limit floor beats the first-failure 5 minute delay
	ts, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(RATE_LIMIT_FLOOR), ts, 5*time.Second)
}

func TestProcessDomainFailureProgression(t *testing.T) {
	m, a, db := testManager(t, nil)

	a.run = func(name string, args ...string) ([]byte, error) {
		return []byte("dns challenge failed"), fmt.Errorf("exit status 1")
	}

	m.processDomain("a.example.com")
	before := time.Now()
	m.processDomain("a.example.com")

	meta, err := db.GetMeta("a.example.com")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.Failures)

	ts, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(600*time.Second), ts, 5*time.Second)
}

func TestProcessDomainFailureKeepsErrorTail(t *testing.T) {
	m, a, db := testManager(t, nil)

	out := strings.Repeat("y", 400) + "the actual error"
	a.run = func(name string, args ...string) ([]byte, error) {
		return []byte(out), fmt.Errorf("exit status 1")
	}

	m.processDomain("a.example.com")

	meta, err := db.GetMeta("a.example.com")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Len(t, meta.LastError, ERROR_TAIL)
	assert.True(t, strings.HasSuffix(meta.LastError, "the actual error"))
}

func TestHandleEventDomainAdded(t *testing.T) {
	m, _, db := testManager(t, nil)

	before := time.Now()
	m.handleEvent(`{"type":"domain_added","domain":"a.example.com"}`)

	ts, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, before, ts, 5*time.Second)

	// publishing the same event twice converges to the same state
	m.handleEvent(`{"type":"domain_added","domain":"a.example.com"}`)
	scheduled, err := db.ListScheduled()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, scheduled)
}

func TestHandleEventForceRenew(t *testing.T) {
	m, _, db := testManager(t, nil)

	require.NoError(t, db.Schedule("a.example.com", time.Now().Add(24*time.Hour)))
	m.handleEvent(`{"type":"force_renew","domain":"a.example.com"}`)

	ts, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestHandleEventIgnoresOwnOutputAndGarbage(t *testing.T) {
	m, _, db := testManager(t, nil)

	m.handleEvent(`{"type":"cert_updated","domain":"a.example.com"}`)
	m.handleEvent(`{"type":"mystery","domain":"a.example.com"}`)
	m.handleEvent(`not json at all`)

	scheduled, err := db.ListScheduled()
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestResolveChallenge(t *testing.T) {
	m, _, db := testManager(t, map[string]string{
		"ACME_CHALLENGE_TYPE": "dns",
		"ACME_HTTP_DOMAINS":   "forced.test",
	})

	// static list wins over everything
	require.NoError(t, db.SaveDomainConfig("forced.test", &database.DomainConfig{Challenge: "dns"}))
	assert.Equal(t, "http", m.resolveChallenge("forced.test"))

	// per-domain override from discovery
	require.NoError(t, db.SaveDomainConfig("s.test", &database.DomainConfig{Challenge: "http"}))
	assert.Equal(t, "http", m.resolveChallenge("s.test"))

	// default otherwise
	assert.Equal(t, "dns", m.resolveChallenge("plain.test"))
}

func TestManagerRunFastPath(t *testing.T) {
	m, a, db := testManager(t, nil)

	a.run = func(name string, args ...string) ([]byte, error) {
		return []byte("tool unavailable"), fmt.Errorf("exit status 127")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)

	// what the admin API does: add the target and wake the manager
	require.NoError(t, db.AddTarget("a.example.com"))
	require.NoError(t, db.PublishEvent(database.Event{Type: database.EVENT_DOMAIN_ADDED, Domain: "a.example.com"}))

	assert.Eventually(t, func() bool {
		_, err := db.ScheduledAt("a.example.com")
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not shut down")
	}
}

func TestProcessDueTakesOneDomain(t *testing.T) {
	m, a, db := testManager(t, nil)

	var issued []string
	a.run = func(name string, args ...string) ([]byte, error) {
		for i, arg := range args {
			if arg == "--domains" {
				issued = append(issued, args[i+1])
				break
			}
		}
		return []byte("fail"), fmt.Errorf("exit status 1")
	}

	require.NoError(t, db.Schedule("a.example.com", time.Now().Add(-2*time.Minute)))
	require.NoError(t, db.Schedule("b.example.com", time.Now().Add(-1*time.Minute)))

	m.processDue()
	assert.Len(t, issued, 1)
	assert.Equal(t, "a.example.com", issued[0])
}

package database

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabase(t *testing.T) (*Database, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	db, err := NewDatabase(mr.Host(), port, "", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mr
}

func TestTargets(t *testing.T) {
	db, _ := testDatabase(t)

	require.NoError(t, db.AddTarget("a.example.com"))
	require.NoError(t, db.AddTarget("b.example.com"))
	require.NoError(t, db.AddTarget("a.example.com"))

	targets, err := db.ListTargets()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example.com", "b.example.com"}, targets)

	ok, err := db.IsTarget("a.example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.RemoveTarget("a.example.com"))
	ok, err = db.IsTarget("a.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleOrdering(t *testing.T) {
	db, _ := testDatabase(t)

	now := time.Now()
	require.NoError(t, db.Schedule("late.example.com", now.Add(time.Hour)))
	require.NoError(t, db.Schedule("due.example.com", now.Add(-time.Minute)))

	domain, found, err := db.NextDue(now)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "due.example.com", domain)

	// NextDue does not remove; the entry stays until rescheduled
	domain, found, err = db.NextDue(now)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "due.example.com", domain)

	require.NoError(t, db.Schedule("due.example.com", now.Add(2*time.Hour)))
	_, found, err = db.NextDue(now)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScheduleRoundTrip(t *testing.T) {
	db, _ := testDatabase(t)

	ts := time.Unix(1900000000, 0)
	require.NoError(t, db.Schedule("a.example.com", ts))

	got, err := db.ScheduledAt("a.example.com")
	require.NoError(t, err)
	assert.Equal(t, ts.Unix(), got.Unix())

	scheduled, err := db.ListScheduled()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example.com"}, scheduled)

	require.NoError(t, db.Unschedule("a.example.com"))
	scheduled, err = db.ListScheduled()
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestMeta(t *testing.T) {
	db, _ := testDatabase(t)

	m, err := db.GetMeta("a.example.com")
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, db.SaveMeta("a.example.com", &Meta{Failures: 3, LastError: "boom"}))
	m, err = db.GetMeta("a.example.com")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, m.Failures)
	assert.Equal(t, "boom", m.LastError)

	require.NoError(t, db.ClearMeta("a.example.com"))
	m, err = db.GetMeta("a.example.com")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDomainConfig(t *testing.T) {
	db, _ := testDatabase(t)

	dc, err := db.GetDomainConfig("a.example.com")
	require.NoError(t, err)
	assert.Nil(t, dc)

	require.NoError(t, db.SaveDomainConfig("a.example.com", &DomainConfig{Challenge: "http"}))
	dc, err = db.GetDomainConfig("a.example.com")
	require.NoError(t, err)
	require.NotNil(t, dc)
	assert.Equal(t, "http", dc.Challenge)
}

func TestCertData(t *testing.T) {
	db, mr := testDatabase(t)

	require.NoError(t, db.SaveCertData("x.example.com", &CertData{Crt: "CERT", Key: "KEY"}))

	// both fields land in one hash write
	assert.Equal(t, "CERT", mr.HGet(KEY_DATA_PREFIX+"x.example.com", "crt"))
	assert.Equal(t, "KEY", mr.HGet(KEY_DATA_PREFIX+"x.example.com", "key"))

	data, err := db.GetCertData("x.example.com")
	require.NoError(t, err)
	assert.Equal(t, "CERT", data.Crt)
	assert.Equal(t, "KEY", data.Key)

	_, err = db.GetCertData("missing.example.com")
	assert.Error(t, err)
}

func TestScanCertData(t *testing.T) {
	db, _ := testDatabase(t)

	require.NoError(t, db.SaveCertData("a.example.com", &CertData{Crt: "A", Key: "B"}))
	require.NoError(t, db.SaveCertData("b.example.com", &CertData{Crt: "C", Key: "D"}))

	domains, err := db.ScanCertData()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example.com", "b.example.com"}, domains)
}

func TestEvents(t *testing.T) {
	db, _ := testDatabase(t)

	ctx := context.Background()
	pubsub := db.SubscribeEvents(ctx)
	defer pubsub.Close()

	// wait for the subscription to be active before publishing
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, db.PublishEvent(Event{Type: EVENT_DOMAIN_ADDED, Domain: "a.example.com"}))

	msg, err := pubsub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	m, ok := msg.(*redis.Message)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"domain_added","domain":"a.example.com"}`, m.Payload)
}

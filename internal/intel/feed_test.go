package intel

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netsentry/internal/config"
	"netsentry/internal/model"
	"netsentry/internal/rules"
)

func TestParseFeed_JSON(t *testing.T) {
	body := `[
		{"ip_address": "198.51.100.7", "malware": "botnet"},
		{"ip": "203.0.113.9"},
		{"ip_address": "not-an-ip"},
		{"comment": "no address here"}
	]`
	addrs := ParseFeed([]byte(body))
	assert.Equal(t, []string{"198.51.100.7", "203.0.113.9"}, addrs)
}

func TestParseFeed_PlainText(t *testing.T) {
	body := "# blocklist\n198.51.100.7\n\n203.0.113.9\ngarbage-line\n"
	addrs := ParseFeed([]byte(body))
	assert.Equal(t, []string{"198.51.100.7", "203.0.113.9"}, addrs)
}

func TestSyncer_UpsertsFeedRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("198.51.100.7\n203.0.113.9\n"))
	}))
	defer srv.Close()

	table := rules.NewTable()
	s := NewSyncer(config.IntelConfig{
		Feeds:   []string{srv.URL},
		RuleTTL: "1h",
	}, table, nil)
	s.SyncOnce()

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	for _, rule := range snap {
		assert.Equal(t, model.ActionBlock, rule.Action)
		assert.Equal(t, model.OriginFeed, rule.Origin)
		require.NotNil(t, rule.ExpiresAt)
	}

	matched := table.Match(&model.PacketRecord{
		Timestamp: time.Now(),
		SrcIP:     net.ParseIP("198.51.100.7"),
		DstIP:     net.ParseIP("10.0.0.1"),
		Protocol:  6,
	})
	require.NotNil(t, matched)
	assert.Equal(t, "feed-198.51.100.7", matched.ID)
}

func TestSyncer_ResyncRefreshesInsteadOfDuplicating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("198.51.100.7\n"))
	}))
	defer srv.Close()

	table := rules.NewTable()
	s := NewSyncer(config.IntelConfig{Feeds: []string{srv.URL}}, table, nil)

	s.SyncOnce()
	first := table.Snapshot()
	require.Len(t, first, 1)

	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	s.SyncOnce()
	second := table.Snapshot()
	require.Len(t, second, 1, "re-sync must replace by id, not duplicate")
	assert.True(t, second[0].ExpiresAt.After(*first[0].ExpiresAt), "expiry must be refreshed")
}

func TestSyncer_FailingFeedIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	table := rules.NewTable()
	s := NewSyncer(config.IntelConfig{Feeds: []string{srv.URL}}, table, nil)
	s.SyncOnce()

	assert.Empty(t, table.Snapshot())
}

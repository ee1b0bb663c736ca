package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{PublishRetries: 3, PublishTimeout: time.Second, RetryBackoff: time.Millisecond}
}

func startListener(t *testing.T, mr *miniredis.Miniredis, hub *Hub) {
	t.Helper()
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = NewListener(sub, hub, nil).Run(ctx) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(ChannelAlerts)[ChannelAlerts] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestPublishFansOutToCompanyRoom(t *testing.T) {
	mr, pub := setupTestRedis(t)
	hub := NewHub(8)
	mine := hub.Join("c1")
	other := hub.Join("c2")
	startListener(t, mr, hub)

	p := NewPublisher(pub, testRealtimeConfig())
	err := p.Publish(context.Background(), ChannelAlerts, "c1", "alert.created", map[string]string{"id": "a1"})
	require.NoError(t, err)

	ev := receive(t, mine)
	assert.Equal(t, "alert.created", ev.Name)

	var env Envelope
	require.NoError(t, json.Unmarshal(ev.Payload, &env))
	assert.Equal(t, "c1", env.CompanyID)
	assert.Equal(t, ChannelAlerts, env.Metadata.Channel)
	assert.Equal(t, 1, env.Metadata.Attempt)
	assert.JSONEq(t, `{"id":"a1"}`, string(env.Data))

	select {
	case ev := <-other.Events():
		t.Fatalf("other company received %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerDropsMalformedMessages(t *testing.T) {
	mr, pub := setupTestRedis(t)
	hub := NewHub(8)
	conn := hub.Join("c1")
	startListener(t, mr, hub)

	mr.Publish(ChannelUploadStatus, "not json")
	mr.Publish(ChannelUploadStatus, `{"event":"upload.progress"}`)

	p := NewPublisher(pub, testRealtimeConfig())
	require.NoError(t, p.Publish(context.Background(), ChannelUploadStatus, "c1", "upload.progress", map[string]int{"progress": 50}))

	ev := receive(t, conn)
	var env Envelope
	require.NoError(t, json.Unmarshal(ev.Payload, &env))
	assert.Equal(t, "c1", env.CompanyID)
}

func TestPublishReturnsErrorAfterRetries(t *testing.T) {
	mr, pub := setupTestRedis(t)
	mr.Close()

	var failedOn string
	p := NewPublisher(pub, testRealtimeConfig())
	p.OnFailure(func(channel string) { failedOn = channel })

	err := p.Publish(context.Background(), ChannelThreatUpdates, "c1", "threat.created", nil)
	assert.Error(t, err)
	assert.Equal(t, ChannelThreatUpdates, failedOn)
}

func TestHubLeaveAndSlowConnections(t *testing.T) {
	hub := NewHub(1)
	c := hub.Join("c1")
	assert.Equal(t, 1, hub.RoomSize("c1"))

	assert.Equal(t, 1, hub.Broadcast("c1", Event{Name: "a"}))
	assert.Equal(t, 0, hub.Broadcast("c1", Event{Name: "b"}), "full queue drops the event")

	hub.Leave(c)
	hub.Leave(c)
	assert.Equal(t, 0, hub.RoomSize("c1"))
	assert.Equal(t, 0, hub.Broadcast("c1", Event{Name: "c"}))

	_, open := <-c.Events()
	assert.True(t, open, "buffered event is still readable")
	_, open = <-c.Events()
	assert.False(t, open)
}

func TestSSEHandlerStreamsEvents(t *testing.T) {
	hub := NewHub(8)
	srv := httptest.NewServer(SSEHandler(hub, time.Minute))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(HeaderCompanyID, "c1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.RoomSize("c1") == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Broadcast("c1", Event{Name: "threat.created", Payload: []byte(`{"x":1}`)})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: threat.created", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `data: {"x":1}`, strings.TrimSpace(line))
}

func TestSSEHandlerRequiresCompany(t *testing.T) {
	rec := httptest.NewRecorder()
	SSEHandler(NewHub(1), 0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

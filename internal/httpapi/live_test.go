package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/horizon/dm-app/internal/protocol"
)

type liveClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialLive(t *testing.T, baseURL, token string) *liveClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws?token=" + token
	conn, br, _, err := gws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &liveClient{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{bufio.NewReader(r), conn},
	}
}

func (c *liveClient) next() (map[string]interface{}, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return nil, err
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *liveClient) mustNext(t *testing.T) map[string]interface{} {
	t.Helper()
	frame, err := c.next()
	require.NoError(t, err)
	return frame
}

func TestLiveChannel(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)
	env.hub.Attach(env.ws, nil)
	req.NoError(env.ws.Start())
	t.Cleanup(func() { _ = env.ws.Shutdown() })

	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	alice := dialLive(t, ts.URL, env.token(t, "1"))
	frame := alice.mustNext(t)
	req.Equal(protocol.TypeConnected, frame["type"])
	req.Equal("1", frame["user_id"])
	req.Eventually(func() bool { return env.hub.Online("1") }, time.Second, 10*time.Millisecond)

	// A message from bob is pushed to alice's channel.
	rec := env.do(t, http.MethodPost, "/api/messages", "2", send("1", "are you there?"))
	req.Equal(http.StatusOK, rec.Code, rec.Body.String())

	frame = alice.mustNext(t)
	req.Equal(protocol.TypeNewMessage, frame["type"])
	pushed, ok := frame["message"].(map[string]interface{})
	req.True(ok)
	req.Equal("2", pushed["sender_id"])
	req.Equal("1", pushed["receiver_id"])
	req.Equal("are you there?", pushed["message"])

	// Keepalive.
	req.NoError(wsutil.WriteClientText(alice.conn, []byte(`{"type":"ping"}`)))
	frame = alice.mustNext(t)
	req.Equal(protocol.TypePong, frame["type"])

	// Anything else is answered with an error frame and the channel stays open.
	req.NoError(wsutil.WriteClientText(alice.conn, []byte(`{"type":"new_message","receiver_id":"2"}`)))
	frame = alice.mustNext(t)
	req.Equal(protocol.TypeError, frame["type"])

	// A second channel for the same user replaces the first.
	second := dialLive(t, ts.URL, env.token(t, "1"))
	frame = second.mustNext(t)
	req.Equal(protocol.TypeConnected, frame["type"])

	_, err := alice.next()
	req.Error(err, "replaced channel should be closed")

	rec = env.do(t, http.MethodPost, "/api/messages", "2", send("1", "again"))
	req.Equal(http.StatusOK, rec.Code)
	frame = second.mustNext(t)
	req.Equal(protocol.TypeNewMessage, frame["type"])

	// Closing the live channel unregisters the user.
	second.conn.Close()
	req.Eventually(func() bool { return !env.hub.Online("1") }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveChannelRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := gws.Dial(ctx, "ws://"+strings.TrimPrefix(ts.URL, "http://")+"/ws")
	require.Error(t, err)
}

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialCommands(t *testing.T, ts *httptest.Server, user string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/commands/ws"
	if user != "" {
		url += "?token=" + token(t, user)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketStreamsCommand(t *testing.T) {
	env := newTestEnv(t, &stubGenerator{chunks: []string{"Hi ", "there"}})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := dialCommands(t, ts, "ana", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSRequest{AccountID: "acct-1", TargetIDs: []string{"client-a"}, Text: "add a tag"}))

	admitted := readMessage(t, conn)
	assert.Equal(t, MessageTypeAdmitted, admitted.Type)
	assert.Equal(t, "simple", admitted.Category)
	assert.Equal(t, 1, admitted.PriceCredits)
	assert.NotEmpty(t, admitted.CommandID)

	var text []string
	var msg WSMessage
	for {
		msg = readMessage(t, conn)
		if msg.Type != MessageTypeText {
			break
		}
		text = append(text, msg.Content)
	}
	assert.Equal(t, []string{"Hi ", "there"}, text)
	require.Equal(t, MessageTypeComplete, msg.Type)
	assert.Equal(t, admitted.CommandID, msg.CommandID)
	require.NotNil(t, msg.CreditsUsed)
	assert.Equal(t, 1, *msg.CreditsUsed)

	// The connection stays open for the next command.
	require.NoError(t, conn.WriteJSON(WSRequest{AccountID: "acct-1", Text: "update all posts"}))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "insufficient_credits", msg.Error)
	require.NotNil(t, msg.Required)
	assert.Equal(t, 20, *msg.Required)
	assert.Equal(t, 9, *msg.Remaining)
}

func TestWebSocketAuthorizesEachCommand(t *testing.T) {
	env := newTestEnv(t, &stubGenerator{chunks: []string{"x"}})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	_, resp, err := dialCommands(t, ts, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dialCommands(t, ts, "vic", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSRequest{AccountID: "acct-1", Text: "add a tag"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "forbidden", msg.Error)

	require.NoError(t, conn.WriteJSON(WSRequest{Text: "add a tag"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "invalid_request", msg.Error)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, &stubGenerator{chunks: []string{"x"}})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	_, resp, err := dialCommands(t, ts, "ana", http.Header{"Origin": []string{"https://evil.example.com"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialCommands(t, ts, "ana", http.Header{"Origin": []string{"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}

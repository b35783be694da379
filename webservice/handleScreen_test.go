package webservice

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sagent "dptscreen/streamAgent"
)

func TestScreenWebSocketPushesFrames(t *testing.T) {
	wm, src := newTestMaster(t, "")
	srv := httptest.NewServer(wm.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/screen/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i, size := range [][2]int{{4, 2}, {3, 5}} {
		_, err := src.agent.Publish(testFrame(size[0], size[1]))
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, mt)
		var meta sagent.SnapshotMeta
		require.NoError(t, json.Unmarshal(data, &meta))
		assert.Equal(t, uint64(i+1), meta.Seq)
		assert.Equal(t, size[0], meta.Width)

		mt, data, err = conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		assert.Len(t, data, meta.Size)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, size[1], img.Bounds().Dy())
	}
}

func TestScreenWebSocketSendsCurrentFrameFirst(t *testing.T) {
	wm, src := newTestMaster(t, "")
	_, err := src.agent.Publish(testFrame(1, 1))
	require.NoError(t, err)

	srv := httptest.NewServer(wm.Router())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/screen/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var meta sagent.SnapshotMeta
	require.NoError(t, conn.ReadJSON(&meta))
	assert.Equal(t, uint64(1), meta.Seq)
}

func TestScreenWebSocketRequiresToken(t *testing.T) {
	wm, _ := newTestMaster(t, "1234")
	srv := httptest.NewServer(wm.Router())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/screen/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

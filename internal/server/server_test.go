package server

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaychat/internal/crypto"
	"relaychat/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestServer starts a relay with temp storage and returns its
// HTTP test harness
func createTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	keyDir := t.TempDir()
	srv, err := NewServer(Config{
		DataDir:        t.TempDir(),
		UploadDir:      t.TempDir(),
		PrivateKeyPath: filepath.Join(keyDir, "private_key.pem"),
		PublicKeyPath:  filepath.Join(keyDir, "public_key.pem"),
		ChunkSize:      64,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/publickey", srv.HandlePublicKey)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		if err := srv.Close(); err != nil {
			t.Logf("Warning: server close error: %v", err)
		}
	})
	return ts
}

type testClient struct {
	t      *testing.T
	ws     *websocket.Conn
	cipher *crypto.SessionCipher
}

// dialClient connects, fetches the server public key and completes the
// key exchange. It does not join.
func dialClient(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()

	resp, err := http.Get(ts.URL + "/publickey")
	require.NoError(t, err)
	pemBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	pub, err := crypto.ParsePublicKey(pemBytes)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	cipher, err := crypto.NewSessionCipher(secret)
	require.NoError(t, err)

	wrapped, err := crypto.WrapSecret(pub, secret)
	require.NoError(t, err)

	tc := &testClient{t: t, ws: ws, cipher: cipher}
	tc.send(protocol.EventExchangeKey, protocol.ExchangeKey{WrappedKey: wrapped})
	return tc
}

// dialKeyless connects without performing the key exchange
func dialKeyless(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return &testClient{t: t, ws: ws}
}

func (tc *testClient) send(evType protocol.EventType, data interface{}) {
	tc.t.Helper()
	payload, err := protocol.NewEvent(evType, data).Marshal()
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.ws.WriteMessage(websocket.TextMessage, payload))
}

// expect reads the next event and requires it to be of the given type
func (tc *testClient) expect(evType protocol.EventType) *protocol.Event {
	tc.t.Helper()
	require.NoError(tc.t, tc.ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	_, data, err := tc.ws.ReadMessage()
	require.NoError(tc.t, err)

	ev, err := protocol.UnmarshalEvent(data)
	require.NoError(tc.t, err)
	require.Equal(tc.t, evType, ev.Type, "unexpected event %s", ev.Type)
	return ev
}

// expectSilence requires that nothing arrives within the window
func (tc *testClient) expectSilence(window time.Duration) {
	tc.t.Helper()
	require.NoError(tc.t, tc.ws.SetReadDeadline(time.Now().Add(window)))

	_, data, err := tc.ws.ReadMessage()
	if err == nil {
		tc.t.Fatalf("Expected no event, got %s", string(data))
	}
}

func (tc *testClient) join(username string) {
	tc.t.Helper()
	tc.send(protocol.EventJoin, protocol.JoinRequest{Username: username})
}

// uploadFile streams a payload through the upload protocol
func (tc *testClient) uploadFile(filename, sender, recipient string, payload []byte, chunkSize int) {
	tc.t.Helper()

	tc.send(protocol.EventStartUpload, protocol.StartUpload{
		Filename:  filename,
		Sender:    sender,
		Recipient: recipient,
	})
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		tc.send(protocol.EventUploadChunk, protocol.UploadChunk{
			Filename:  filename,
			Recipient: recipient,
			Chunk:     base64.StdEncoding.EncodeToString(payload[off:end]),
		})
	}
	tc.send(protocol.EventFinishUpload, protocol.FinishUpload{
		Filename:  filename,
		Sender:    sender,
		Recipient: recipient,
		Time:      "10:30:00",
	})
}

// downloadAndReassemble requests a stored file and collects the chunk
// stream until the completion event
func (tc *testClient) downloadAndReassemble(filename string) []byte {
	tc.t.Helper()
	tc.send(protocol.EventDownloadRequest, protocol.DownloadRequest{Filename: filename})

	var got bytes.Buffer
	for {
		require.NoError(tc.t, tc.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := tc.ws.ReadMessage()
		require.NoError(tc.t, err)

		ev, err := protocol.UnmarshalEvent(data)
		require.NoError(tc.t, err)

		if ev.Type == protocol.EventDownloadFinished {
			return got.Bytes()
		}
		require.Equal(tc.t, protocol.EventFileChunk, ev.Type)

		var chunk protocol.FileChunk
		require.NoError(tc.t, ev.ParseData(&chunk))
		decoded, err := base64.StdEncoding.DecodeString(chunk.Chunk)
		require.NoError(tc.t, err)
		got.Write(decoded)
	}
}

func TestJoinAndPresence(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")

	var presence protocol.Presence
	require.NoError(t, alice.expect(protocol.EventJoined).ParseData(&presence))
	assert.Equal(t, "alice", presence.Username)
	assert.Equal(t, []string{"alice"}, presence.Usernames)

	bob := dialClient(t, ts)
	bob.join("bob")

	// Both clients observe bob's admission with the full ordered list
	require.NoError(t, bob.expect(protocol.EventJoined).ParseData(&presence))
	assert.Equal(t, "bob", presence.Username)
	assert.Equal(t, []string{"alice", "bob"}, presence.Usernames)

	require.NoError(t, alice.expect(protocol.EventJoined).ParseData(&presence))
	assert.Equal(t, "bob", presence.Username)
	assert.Equal(t, []string{"alice", "bob"}, presence.Usernames)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")
	alice.expect(protocol.EventJoined)

	imposter := dialClient(t, ts)
	imposter.join("alice")

	var errResp protocol.ErrorResponse
	require.NoError(t, imposter.expect(protocol.EventError).ParseData(&errResp))
	assert.Equal(t, 409, errResp.Code)
}

func TestJoinWithoutKeyRejected(t *testing.T) {
	ts := createTestServer(t)

	keyless := dialKeyless(t, ts)
	keyless.join("eve")

	var errResp protocol.ErrorResponse
	require.NoError(t, keyless.expect(protocol.EventError).ParseData(&errResp))
	assert.Equal(t, 403, errResp.Code)
}

func TestCurrentUsersQuery(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")
	alice.expect(protocol.EventJoined)

	alice.send(protocol.EventCurrentUsers, nil)

	var users protocol.UserList
	require.NoError(t, alice.expect(protocol.EventUserList).ParseData(&users))
	assert.Equal(t, []string{"alice"}, users.Usernames)
}

func TestMessageRelayScenario(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")
	alice.expect(protocol.EventJoined)

	bob := dialClient(t, ts)
	bob.join("bob")
	bob.expect(protocol.EventJoined)
	alice.expect(protocol.EventJoined)

	// Global: both receive a copy decrypting under their own key
	ct, err := alice.cipher.Encrypt("hi")
	require.NoError(t, err)
	alice.send(protocol.EventGlobalMessage, protocol.GlobalMessage{Ciphertext: ct, Sender: "alice"})

	var incoming protocol.IncomingMessage
	for _, tc := range []*testClient{alice, bob} {
		require.NoError(t, tc.expect(protocol.EventIncomingGlobal).ParseData(&incoming))
		assert.Equal(t, "alice", incoming.Sender)

		plaintext, err := tc.cipher.Decrypt(incoming.Ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "hi", plaintext)
	}

	// Private: only alice receives, bob gets no echo
	ct, err = bob.cipher.Encrypt("yo")
	require.NoError(t, err)
	bob.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient:  "alice",
		Ciphertext: ct,
		Sender:     "bob",
	})

	require.NoError(t, alice.expect(protocol.EventIncomingPrivate).ParseData(&incoming))
	assert.Equal(t, "bob", incoming.Sender)
	plaintext, err := alice.cipher.Decrypt(incoming.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "yo", plaintext)

	bob.expectSilence(300 * time.Millisecond)
}

func TestFileTransferScenario(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")
	alice.expect(protocol.EventJoined)

	bob := dialClient(t, ts)
	bob.join("bob")
	bob.expect(protocol.EventJoined)
	alice.expect(protocol.EventJoined)

	// Upload spanning several chunks at the test server's 64-byte size
	payload := bytes.Repeat([]byte("0123456789abcdef"), 20)
	alice.uploadFile("payload.bin", "alice", protocol.BroadcastTarget, payload, 64)

	var ready protocol.FileReady
	require.NoError(t, bob.expect(protocol.EventFileReady).ParseData(&ready))
	assert.Equal(t, "payload.bin", ready.Filename)
	assert.Equal(t, "alice", ready.Sender)
	alice.expect(protocol.EventFileReady)

	// Download back and reassemble
	assert.Equal(t, payload, bob.downloadAndReassemble("payload.bin"))
}

// Hundreds of chunks in each direction: the upload outruns the chat
// event budget and the download outruns the send buffer, so the round
// trip only survives if chunk traffic is exempt from the per-event
// limiter and the stream gets backpressure instead of drops.
func TestLargeFileTransferRoundTrip(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")
	alice.expect(protocol.EventJoined)

	bob := dialClient(t, ts)
	bob.join("bob")
	bob.expect(protocol.EventJoined)
	alice.expect(protocol.EventJoined)

	payload := make([]byte, 500*64+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	alice.uploadFile("big.bin", "alice", protocol.BroadcastTarget, payload, 64)

	bob.expect(protocol.EventFileReady)
	alice.expect(protocol.EventFileReady)

	got := bob.downloadAndReassemble("big.bin")
	require.Equal(t, len(payload), len(got))
	assert.Equal(t, payload, got)

	// The uploader's connection must have survived the burst
	alice.send(protocol.EventCurrentUsers, nil)
	var users protocol.UserList
	require.NoError(t, alice.expect(protocol.EventUserList).ParseData(&users))
	assert.Equal(t, []string{"alice", "bob"}, users.Usernames)
}

func TestDisconnectAnnouncesLeft(t *testing.T) {
	ts := createTestServer(t)

	alice := dialClient(t, ts)
	alice.join("alice")
	alice.expect(protocol.EventJoined)

	bob := dialClient(t, ts)
	bob.join("bob")
	bob.expect(protocol.EventJoined)
	alice.expect(protocol.EventJoined)

	require.NoError(t, bob.ws.Close())

	var presence protocol.Presence
	require.NoError(t, alice.expect(protocol.EventLeft).ParseData(&presence))
	assert.Equal(t, "bob", presence.Username)
	assert.Equal(t, []string{"alice"}, presence.Usernames)
}

// Package client implements the terminal client: key exchange, join,
// message send/receive and chunked file transfer against a relaychat
// server.
package client

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relaychat/internal/crypto"
	"relaychat/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents one connection to the relay
type Client struct {
	serverURL string
	conn      *websocket.Conn
	cipher    *crypto.SessionCipher
	username  string
	listening int32      // atomic flag
	writeMu   sync.Mutex // Protects WebSocket writes
	closeOnce sync.Once
}

// NewClient creates a client for a server WebSocket URL
// (e.g. ws://localhost:8080/ws)
func NewClient(serverURL string) *Client {
	return &Client{serverURL: serverURL}
}

// publicKeyURL derives the HTTP endpoint serving the server's public
// key from the WebSocket URL
func (c *Client) publicKeyURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/publickey"
	return u.String(), nil
}

// Connect dials the server and completes the key exchange: fetch the
// server's public key, generate a fresh session secret and send it
// wrapped. After Connect the connection can join and relay.
func (c *Client) Connect() error {
	keyURL, err := c.publicKeyURL()
	if err != nil {
		return err
	}

	resp, err := http.Get(keyURL)
	if err != nil {
		return fmt.Errorf("failed to fetch server public key: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("public key endpoint returned %s", resp.Status)
	}
	pemBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read server public key: %w", err)
	}

	pub, err := crypto.ParsePublicKey(pemBytes)
	if err != nil {
		return fmt.Errorf("invalid server public key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.conn = conn

	secret, err := crypto.GenerateSecret()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to generate session secret: %w", err)
	}
	c.cipher, err = crypto.NewSessionCipher(secret)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to derive session key: %w", err)
	}

	wrapped, err := crypto.WrapSecret(pub, secret)
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to wrap session secret: %w", err)
	}

	return c.sendEvent(protocol.EventExchangeKey, protocol.ExchangeKey{WrappedKey: wrapped})
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.listening, 0)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Join requests admission under a username and waits for the server's
// verdict
func (c *Client) Join(username string) error {
	if err := c.sendEvent(protocol.EventJoin, protocol.JoinRequest{Username: username}); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}

	ev, err := c.readEvent(10 * time.Second)
	if err != nil {
		return fmt.Errorf("failed to read join response: %w", err)
	}

	switch ev.Type {
	case protocol.EventJoined:
		c.username = username
		return nil
	case protocol.EventError:
		var errResp protocol.ErrorResponse
		if err := ev.ParseData(&errResp); err != nil {
			return fmt.Errorf("join rejected")
		}
		return fmt.Errorf("join rejected: %s", errResp.Reason)
	default:
		return fmt.Errorf("unexpected response type: %s", ev.Type)
	}
}

// Leave announces the departure and disconnects
func (c *Client) Leave() error {
	if err := c.sendEvent(protocol.EventLeave, protocol.LeaveRequest{Username: c.username}); err != nil {
		return err
	}
	return c.Disconnect()
}

// SendGlobal encrypts a message under the session key and relays it to
// every online user
func (c *Client) SendGlobal(text string) error {
	ciphertext, err := c.cipher.Encrypt(stamp(text))
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}
	return c.sendEvent(protocol.EventGlobalMessage, protocol.GlobalMessage{
		Ciphertext: ciphertext,
		Sender:     c.username,
	})
}

// SendPrivate encrypts a message under the session key and relays it to
// one named user
func (c *Client) SendPrivate(recipient, text string) error {
	ciphertext, err := c.cipher.Encrypt(stamp(text))
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}
	return c.sendEvent(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient:  recipient,
		Ciphertext: ciphertext,
		Sender:     c.username,
	})
}

// Users prints the current online users
func (c *Client) Users() error {
	if err := c.sendEvent(protocol.EventCurrentUsers, nil); err != nil {
		return fmt.Errorf("failed to send query: %w", err)
	}

	for {
		ev, err := c.readEvent(10 * time.Second)
		if err != nil {
			return fmt.Errorf("failed to read user list: %w", err)
		}
		if ev.Type != protocol.EventUserList {
			continue
		}

		var users protocol.UserList
		if err := ev.ParseData(&users); err != nil {
			return fmt.Errorf("failed to parse user list: %w", err)
		}

		if len(users.Usernames) == 0 {
			fmt.Println("No users online")
			return nil
		}
		fmt.Printf("Online users (%d):\n", len(users.Usernames))
		for _, name := range users.Usernames {
			fmt.Printf("  %s\n", name)
		}
		return nil
	}
}

// Upload streams a local file to the relay in fixed-size chunks.
// recipient is a username, or empty for everyone.
func (c *Client) Upload(path, recipient string) error {
	if recipient == "" {
		recipient = protocol.BroadcastTarget
	}
	filename := filepath.Base(path)

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	err = c.sendEvent(protocol.EventStartUpload, protocol.StartUpload{
		Filename:  filename,
		Sender:    c.username,
		Recipient: recipient,
	})
	if err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}

	buf := make([]byte, protocol.DefaultChunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			sendErr := c.sendEvent(protocol.EventUploadChunk, protocol.UploadChunk{
				Filename:  filename,
				Recipient: recipient,
				Chunk:     base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if sendErr != nil {
				return fmt.Errorf("failed to send chunk: %w", sendErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	err = c.sendEvent(protocol.EventFinishUpload, protocol.FinishUpload{
		Filename:  filename,
		Sender:    c.username,
		Recipient: recipient,
		Time:      time.Now().Format("15:04:05"),
	})
	if err != nil {
		return fmt.Errorf("failed to finish upload: %w", err)
	}

	fmt.Printf("Uploaded %s\n", filename)
	return nil
}

// Download requests a stored file and writes the streamed chunks to
// outPath
func (c *Client) Download(filename, outPath string) error {
	if outPath == "" {
		outPath = filename
	}

	if err := c.sendEvent(protocol.EventDownloadRequest, protocol.DownloadRequest{Filename: filename}); err != nil {
		return fmt.Errorf("failed to request download: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outPath, err)
	}
	defer out.Close()

	var written int64
	for {
		ev, err := c.readEvent(10 * time.Second)
		if err != nil {
			return fmt.Errorf("download stalled (does %s exist on the server?): %w", filename, err)
		}

		switch ev.Type {
		case protocol.EventFileChunk:
			var chunk protocol.FileChunk
			if err := ev.ParseData(&chunk); err != nil {
				return fmt.Errorf("failed to parse chunk: %w", err)
			}
			if chunk.Filename != filename {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(chunk.Chunk)
			if err != nil {
				return fmt.Errorf("failed to decode chunk: %w", err)
			}
			n, err := out.Write(decoded)
			written += int64(n)
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}

		case protocol.EventDownloadFinished:
			fmt.Printf("Downloaded %s (%d bytes) to %s\n", filename, written, outPath)
			return nil

		default:
			// Chat traffic can interleave with the stream; ignore it here
		}
	}
}

// Listen prints relayed traffic until the connection closes or
// StopListening is called
func (c *Client) Listen() error {
	atomic.StoreInt32(&c.listening, 1)
	fmt.Printf("Listening as %s. Press Ctrl+C to stop.\n", c.username)

	for atomic.LoadInt32(&c.listening) == 1 {
		ev, err := c.readEvent(0)
		if err != nil {
			if atomic.LoadInt32(&c.listening) == 0 {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		c.printEvent(ev)
	}
	return nil
}

// StopListening makes Listen return
func (c *Client) StopListening() {
	atomic.StoreInt32(&c.listening, 0)
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) printEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventIncomingGlobal:
		c.printMessage(ev, "global")
	case protocol.EventIncomingPrivate:
		c.printMessage(ev, "private")

	case protocol.EventJoined:
		var presence protocol.Presence
		if ev.ParseData(&presence) == nil {
			fmt.Printf("* %s joined (online: %s)\n", presence.Username, strings.Join(presence.Usernames, ", "))
		}
	case protocol.EventLeft:
		var presence protocol.Presence
		if ev.ParseData(&presence) == nil {
			fmt.Printf("* %s left (online: %s)\n", presence.Username, strings.Join(presence.Usernames, ", "))
		}

	case protocol.EventFileReady:
		var ready protocol.FileReady
		if ev.ParseData(&ready) == nil {
			fmt.Printf("* %s shared %s at %s (download with: relaychat download --name %s)\n",
				ready.Sender, ready.Filename, ready.Time, ready.Filename)
		}

	case protocol.EventError:
		var errResp protocol.ErrorResponse
		if ev.ParseData(&errResp) == nil {
			fmt.Printf("! server error %d: %s\n", errResp.Code, errResp.Reason)
		}
	}
}

func (c *Client) printMessage(ev *protocol.Event, kind string) {
	var incoming protocol.IncomingMessage
	if err := ev.ParseData(&incoming); err != nil {
		return
	}

	plaintext, err := c.cipher.Decrypt(incoming.Ciphertext)
	if err != nil {
		fmt.Printf("! failed to decrypt %s message from %s\n", kind, incoming.Sender)
		return
	}

	timestamp, body := splitStamp(plaintext)
	if kind == "private" {
		fmt.Printf("[%s] (private) %s: %s\n", timestamp, incoming.Sender, body)
	} else {
		fmt.Printf("[%s] %s: %s\n", timestamp, incoming.Sender, body)
	}
}

func (c *Client) sendEvent(evType protocol.EventType, data interface{}) error {
	ev := protocol.NewEvent(evType, data)
	ev.ID = uuid.New().String()

	payload, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// readEvent reads the next event; timeout zero blocks indefinitely
func (c *Client) readEvent(timeout time.Duration) (*protocol.Event, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalEvent(data)
}

// stamp prefixes a message body with the wall-clock time, the format
// the receiving end splits on
func stamp(text string) string {
	return time.Now().Format("15:04:05") + "|" + text
}

func splitStamp(plaintext string) (timestamp, body string) {
	if i := strings.Index(plaintext, "|"); i >= 0 {
		return plaintext[:i], plaintext[i+1:]
	}
	return time.Now().Format("15:04:05"), plaintext
}

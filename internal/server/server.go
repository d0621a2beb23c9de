package server

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"log"
	"net/http"
	"time"

	"relaychat/internal/crypto"
	"relaychat/internal/logging"
	"relaychat/internal/protocol"
	"relaychat/internal/registry"
	"relaychat/internal/relay"
	"relaychat/internal/store"
	"relaychat/internal/transfer"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Config holds the server's tunables
type Config struct {
	DataDir        string // Badger upload index
	UploadDir      string // Backing files for uploads
	PrivateKeyPath string
	PublicKeyPath  string
	ChunkSize      int // Shared with clients out-of-band
	UsernameCap    int
}

// Connection represents one WebSocket connection. It is the transport
// handle the registry, relay and transfer manager refer to.
type Connection struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	server  *Server
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

// ID returns the transport-assigned connection identifier
func (c *Connection) ID() string { return c.id }

// Server wires the transport to the registry, relay and transfer manager
type Server struct {
	registry     *registry.Registry
	relay        *relay.Relay
	transfer     *transfer.Manager
	index        *store.Store
	identity     *rsa.PrivateKey
	publicKeyPEM []byte
	upgrader     websocket.Upgrader
	globalRate   *rate.Limiter
	readLimit    int64
}

// NewServer creates a new server instance
func NewServer(cfg Config) (*Server, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.DefaultChunkSize
	}
	if cfg.UsernameCap <= 0 {
		cfg.UsernameCap = 9
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	publicKeyPEM, err := crypto.EncodePublicKey(&identity.PublicKey)
	if err != nil {
		return nil, err
	}

	index, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.UsernameCap)
	mgr, err := transfer.NewManager(reg, index, cfg.UploadDir, cfg.ChunkSize)
	if err != nil {
		index.Close()
		return nil, err
	}

	return &Server{
		registry:     reg,
		relay:        relay.New(reg),
		transfer:     mgr,
		index:        index,
		identity:     identity,
		publicKeyPEM: publicKeyPEM,
		globalRate:   rate.NewLimiter(rate.Limit(100), 200), // 100 conn/sec, burst 200
		// An encoded chunk plus envelope must fit in one frame
		readLimit: int64(base64.StdEncoding.EncodedLen(cfg.ChunkSize)) + 1024,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Non-browser clients send no Origin; browsers must be same host
				origin := r.Header.Get("Origin")
				return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
	}, nil
}

// StoredFileCount reports how many completed uploads the index holds
func (s *Server) StoredFileCount() (int, error) {
	records, err := s.index.List()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// HandlePublicKey serves the server's public key so clients can wrap
// their session secrets without an out-of-band PEM copy
func (s *Server) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	if _, err := w.Write(s.publicKeyPEM); err != nil {
		log.Printf("Failed to write public key response: %v", err)
	}
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.globalRate.Allow() {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed", map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		id:     uuid.New().String(),
		ws:     ws,
		send:   make(chan []byte, 64),
		server: s,
		// Budget for chat and control events; chunk frames are exempt
		limiter: rate.NewLimiter(rate.Limit(200), 400),
		ctx:     ctx,
		cancel:  cancel,
	}

	go conn.writePump()
	go conn.readPump()
}

// readPump handles incoming events from the WebSocket
func (c *Connection) readPump() {
	defer func() {
		// Order matters: drop half-open uploads before the session,
		// then stop any in-flight download stream
		c.server.transfer.CloseAbandoned(c.id)
		c.server.registry.Remove(c.id)
		c.cancel()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.server.readLimit)
	if err := c.ws.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
	}
	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Failed to set read deadline in pong handler: %v", err)
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		ev, err := protocol.UnmarshalEvent(data)
		if err != nil {
			c.sendError(400, "Invalid event format")
			continue
		}

		// Upload chunks arrive at socket speed and their frame size is
		// already bounded by the read limit; only the rest of the
		// traffic pays the per-event budget
		if ev.Type != protocol.EventUploadChunk && !c.limiter.Allow() {
			c.sendError(429, "Rate limit exceeded")
			break
		}

		c.handleEvent(ev)
	}
}

// writePump handles outgoing events to the WebSocket
func (c *Connection) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent dispatches incoming events based on type
func (c *Connection) handleEvent(ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventExchangeKey:
		c.handleExchangeKey(ev)
	case protocol.EventJoin:
		c.handleJoin(ev)
	case protocol.EventLeave:
		c.handleLeave(ev)
	case protocol.EventCurrentUsers:
		c.handleCurrentUsers(ev)
	case protocol.EventGlobalMessage:
		c.handleGlobalMessage(ev)
	case protocol.EventPrivateMessage:
		c.handlePrivateMessage(ev)
	case protocol.EventStartUpload:
		c.handleStartUpload(ev)
	case protocol.EventUploadChunk:
		c.handleUploadChunk(ev)
	case protocol.EventFinishUpload:
		c.handleFinishUpload(ev)
	case protocol.EventDownloadRequest:
		c.handleDownloadRequest(ev)
	default:
		c.sendError(400, "Unknown event type")
	}
}

// handleExchangeKey unwraps the client's session secret and parks it
// until the client joins. An undecryptable blob leaves the connection
// keyless; the client only finds out when its join is rejected.
func (c *Connection) handleExchangeKey(ev *protocol.Event) {
	var req protocol.ExchangeKey
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid key exchange data")
		return
	}

	secret, err := crypto.UnwrapSecret(c.server.identity, req.WrappedKey)
	if err != nil {
		logging.ErrorWithError("Key exchange failed", err, map[string]string{"conn": c.id})
		return
	}

	cipher, err := crypto.NewSessionCipher(secret)
	if err != nil {
		logging.ErrorWithError("Failed to derive session key", err, map[string]string{"conn": c.id})
		return
	}

	c.server.registry.SetPendingKey(c.id, cipher)
	logging.Info("Session key negotiated", map[string]string{"conn": c.id})
}

func (c *Connection) handleJoin(ev *protocol.Event) {
	var req protocol.JoinRequest
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid join data")
		return
	}

	switch err := c.server.registry.Admit(c, req.Username); err {
	case nil:
	case registry.ErrNameTaken:
		c.sendError(409, err.Error())
	case registry.ErrNoKey:
		c.sendError(403, err.Error())
	default:
		c.sendError(400, err.Error())
	}
}

// handleLeave removes whatever session this connection holds. The
// username in the payload is ignored; the registry knows who left.
func (c *Connection) handleLeave(ev *protocol.Event) {
	c.server.registry.Remove(c.id)
}

func (c *Connection) handleCurrentUsers(ev *protocol.Event) {
	c.Send(protocol.NewEvent(protocol.EventUserList, protocol.UserList{
		Usernames: c.server.registry.Snapshot(),
	}))
}

func (c *Connection) handleGlobalMessage(ev *protocol.Event) {
	var req protocol.GlobalMessage
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid message data")
		return
	}
	c.server.relay.Broadcast(c.id, req.Ciphertext)
}

func (c *Connection) handlePrivateMessage(ev *protocol.Event) {
	var req protocol.PrivateMessage
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid message data")
		return
	}
	c.server.relay.Direct(c.id, req.Recipient, req.Ciphertext)
}

func (c *Connection) handleStartUpload(ev *protocol.Event) {
	var req protocol.StartUpload
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid upload data")
		return
	}
	c.server.transfer.StartUpload(c.id, req.Filename, req.Sender, req.Recipient)
}

func (c *Connection) handleUploadChunk(ev *protocol.Event) {
	var req protocol.UploadChunk
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid chunk data")
		return
	}
	c.server.transfer.AppendChunk(c.id, req.Filename, req.Recipient, req.Chunk)
}

func (c *Connection) handleFinishUpload(ev *protocol.Event) {
	var req protocol.FinishUpload
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid upload data")
		return
	}
	c.server.transfer.FinishUpload(c.id, req.Filename, req.Sender, req.Recipient, req.Time)
}

func (c *Connection) handleDownloadRequest(ev *protocol.Event) {
	var req protocol.DownloadRequest
	if err := ev.ParseData(&req); err != nil {
		c.sendError(400, "Invalid download data")
		return
	}
	c.server.transfer.Download(c.ctx, c, req.Filename)
}

// Send queues an event on the connection with protection against a
// stuck peer: a full buffer drops the event rather than blocking
func (c *Connection) Send(ev *protocol.Event) {
	ev.ID = uuid.New().String()

	data, err := ev.Marshal()
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}

	select {
	case c.send <- data:
	default:
		log.Printf("Failed to send event: channel full")
	}
}

// SendBlocking queues an event, waiting for buffer space instead of
// dropping. Chunk streams must use this path: their producer reads from
// disk far faster than the socket drains, so the lossy path would shed
// most of the file.
func (c *Connection) SendBlocking(ctx context.Context, ev *protocol.Event) error {
	ev.ID = uuid.New().String()

	data, err := ev.Marshal()
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// sendError sends an error event to the client
func (c *Connection) sendError(code int, reason string) {
	c.Send(protocol.NewEvent(protocol.EventError, protocol.ErrorResponse{
		Code:   code,
		Reason: reason,
	}))
}

// Close shuts down the server
func (s *Server) Close() error {
	return s.index.Close()
}

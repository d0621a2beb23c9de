package protocol

import (
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"
)

// EventType names a relay event on the wire
type EventType string

const (
	// Client to server events
	EventExchangeKey     EventType = "exchange-key"
	EventJoin            EventType = "join"
	EventLeave           EventType = "leave"
	EventCurrentUsers    EventType = "current-users"
	EventGlobalMessage   EventType = "global-message"
	EventPrivateMessage  EventType = "private-message"
	EventStartUpload     EventType = "start-upload"
	EventUploadChunk     EventType = "upload-chunk"
	EventFinishUpload    EventType = "finish-upload"
	EventDownloadRequest EventType = "download-request"

	// Server to client events
	EventJoined           EventType = "joined"
	EventLeft             EventType = "left"
	EventUserList         EventType = "user-list"
	EventIncomingGlobal   EventType = "incoming-global-message"
	EventIncomingPrivate  EventType = "incoming-private-message"
	EventFileReady        EventType = "file-ready"
	EventFileChunk        EventType = "file-chunk"
	EventDownloadFinished EventType = "download-finished"
	EventError            EventType = "error"
)

// BroadcastTarget is the recipient value meaning every live session
// rather than a single named user.
const BroadcastTarget = "global"

// DefaultChunkSize is the file chunk size shared by client and server.
// It is agreed out-of-band, not negotiated on the wire.
const DefaultChunkSize = 4096

// Event is the envelope carried over the transport
type Event struct {
	Type      EventType   `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ExchangeKey carries the client's session key wrapped with the
// server's public key
type ExchangeKey struct {
	WrappedKey string `json:"wrapped_key" mapstructure:"wrapped_key"` // Base64 encoded RSA-OAEP blob
}

// JoinRequest asks for admission under a chosen username
type JoinRequest struct {
	Username string `json:"username" mapstructure:"username"`
}

// LeaveRequest announces a voluntary departure
type LeaveRequest struct {
	Username string `json:"username" mapstructure:"username"`
}

// Presence is the payload of joined and left notifications
type Presence struct {
	Username  string   `json:"username" mapstructure:"username"`
	Usernames []string `json:"usernames" mapstructure:"usernames"`
}

// UserList answers a current-users query
type UserList struct {
	Usernames []string `json:"usernames" mapstructure:"usernames"`
}

// GlobalMessage is a ciphertext addressed to every live session
type GlobalMessage struct {
	Ciphertext string `json:"ciphertext" mapstructure:"ciphertext"`
	Sender     string `json:"sender" mapstructure:"sender"`
}

// PrivateMessage is a ciphertext addressed to one named user
type PrivateMessage struct {
	Recipient  string `json:"recipient" mapstructure:"recipient"`
	Ciphertext string `json:"ciphertext" mapstructure:"ciphertext"`
	Sender     string `json:"sender" mapstructure:"sender"`
}

// IncomingMessage delivers a relayed ciphertext re-encrypted under the
// receiving session's own key
type IncomingMessage struct {
	Ciphertext string `json:"ciphertext" mapstructure:"ciphertext"`
	Sender     string `json:"sender" mapstructure:"sender"`
}

// StartUpload opens a new upload stream
type StartUpload struct {
	Filename  string `json:"filename" mapstructure:"filename"`
	Sender    string `json:"sender" mapstructure:"sender"`
	Recipient string `json:"recipient" mapstructure:"recipient"`
}

// UploadChunk appends a chunk to an open upload stream
type UploadChunk struct {
	Filename  string `json:"filename" mapstructure:"filename"`
	Recipient string `json:"recipient" mapstructure:"recipient"`
	Chunk     string `json:"chunk" mapstructure:"chunk"` // Base64 encoded bytes
}

// FinishUpload closes an upload stream
type FinishUpload struct {
	Filename  string `json:"filename" mapstructure:"filename"`
	Sender    string `json:"sender" mapstructure:"sender"`
	Recipient string `json:"recipient" mapstructure:"recipient"`
	Time      string `json:"time" mapstructure:"time"`
}

// FileReady announces a completed upload to its recipients
type FileReady struct {
	Filename string `json:"filename" mapstructure:"filename"`
	Sender   string `json:"sender" mapstructure:"sender"`
	Time     string `json:"time" mapstructure:"time"`
}

// DownloadRequest asks the server to stream a stored file back
type DownloadRequest struct {
	Filename string `json:"filename" mapstructure:"filename"`
}

// FileChunk carries one chunk of a streamed download
type FileChunk struct {
	Filename string `json:"filename" mapstructure:"filename"`
	Chunk    string `json:"chunk" mapstructure:"chunk"` // Base64 encoded bytes
}

// DownloadFinished terminates a streamed download
type DownloadFinished struct {
	Filename string `json:"filename" mapstructure:"filename"`
}

// ErrorResponse is sent when a request is rejected
type ErrorResponse struct {
	Code   int    `json:"code" mapstructure:"code"`
	Reason string `json:"reason" mapstructure:"reason"`
}

// NewEvent creates a new event with timestamp
func NewEvent(evType EventType, data interface{}) *Event {
	return &Event{
		Type:      evType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
}

// Marshal converts an event to JSON bytes
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent parses JSON bytes into an event
func UnmarshalEvent(data []byte) (*Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return &ev, err
}

// ParseData parses the event data into a specific payload type
func (e *Event) ParseData(target interface{}) error {
	if e.Data == nil {
		return nil
	}

	// Decode straight from the map into the target struct instead of
	// a second marshal/unmarshal cycle
	return mapstructure.Decode(e.Data, target)
}

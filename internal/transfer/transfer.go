// Package transfer tracks in-flight uploads and streams completed files
// back to requesting connections. Uploads are keyed by the (connection,
// filename, recipient) triple, so the same filename can be in flight
// from different connections or to different recipients at once.
package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"relaychat/internal/logging"
	"relaychat/internal/protocol"
	"relaychat/internal/registry"
	"relaychat/internal/store"

	"github.com/google/uuid"
)

type uploadKey struct {
	connID    string
	filename  string
	recipient string
}

type upload struct {
	sender   string
	storedID string
	file     *os.File
	size     int64
}

// Manager owns all upload state and the background download jobs
type Manager struct {
	reg       *registry.Registry
	index     *store.Store
	dir       string
	chunkSize int

	mu      sync.Mutex
	uploads map[uploadKey]*upload
}

// NewManager creates a manager writing upload sinks under dir
func NewManager(reg *registry.Registry, index *store.Store, dir string, chunkSize int) (*Manager, error) {
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	return &Manager{
		reg:       reg,
		index:     index,
		dir:       dir,
		chunkSize: chunkSize,
		uploads:   make(map[uploadKey]*upload),
	}, nil
}

func normalizeRecipient(recipient string) string {
	if recipient == "" {
		return protocol.BroadcastTarget
	}
	return recipient
}

// StartUpload opens a fresh sink for the triple, replacing any sink the
// same triple already had. The sink is a generated-id file, never the
// client-supplied filename.
func (m *Manager) StartUpload(connID, filename, sender, recipient string) {
	recipient = normalizeRecipient(recipient)
	key := uploadKey{connID: connID, filename: filename, recipient: recipient}

	storedID := uuid.New().String()
	file, err := os.Create(filepath.Join(m.dir, storedID+".part"))
	if err != nil {
		logging.ErrorWithError("Failed to create upload sink", err, map[string]string{"filename": filename})
		return
	}

	m.mu.Lock()
	prev := m.uploads[key]
	m.uploads[key] = &upload{sender: sender, storedID: storedID, file: file}
	m.mu.Unlock()

	if prev != nil {
		m.discard(prev)
	}

	logging.Info("Upload started", map[string]string{
		"filename":  filename,
		"sender":    sender,
		"recipient": recipient,
	})
}

// AppendChunk decodes and writes one chunk to the triple's sink. A
// chunk for a triple with no open upload is dropped without error.
func (m *Manager) AppendChunk(connID, filename, recipient, encoded string) {
	recipient = normalizeRecipient(recipient)
	key := uploadKey{connID: connID, filename: filename, recipient: recipient}

	m.mu.Lock()
	up := m.uploads[key]
	m.mu.Unlock()
	if up == nil {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logging.ErrorWithError("Failed to decode chunk", err, map[string]string{"filename": filename})
		return
	}

	n, err := up.file.Write(chunk)
	up.size += int64(n)
	if err != nil {
		logging.ErrorWithError("Failed to write chunk", err, map[string]string{"filename": filename})
	}
}

// FinishUpload closes the triple's sink, indexes the completed file and
// notifies the recipients. Finish with no matching start is a no-op.
func (m *Manager) FinishUpload(connID, filename, sender, recipient, timestamp string) {
	recipient = normalizeRecipient(recipient)
	key := uploadKey{connID: connID, filename: filename, recipient: recipient}

	m.mu.Lock()
	up := m.uploads[key]
	delete(m.uploads, key)
	m.mu.Unlock()
	if up == nil {
		return
	}

	if err := up.file.Close(); err != nil {
		logging.ErrorWithError("Failed to close upload sink", err, map[string]string{"filename": filename})
	}

	partPath := filepath.Join(m.dir, up.storedID+".part")
	finalPath := filepath.Join(m.dir, up.storedID)
	if err := os.Rename(partPath, finalPath); err != nil {
		logging.ErrorWithError("Failed to finalize upload", err, map[string]string{"filename": filename})
		return
	}

	orphanedID, err := m.index.Put(&store.Record{
		StoredID:  up.storedID,
		Filename:  filename,
		Sender:    sender,
		Recipient: recipient,
		Size:      up.size,
		Time:      timestamp,
	})
	if err != nil {
		logging.ErrorWithError("Failed to index upload", err, map[string]string{"filename": filename})
		return
	}
	if orphanedID != "" {
		// A same-named upload was replaced; its bytes are unreachable now
		if err := os.Remove(filepath.Join(m.dir, orphanedID)); err != nil && !os.IsNotExist(err) {
			logging.Warn("Failed to remove replaced upload", map[string]string{"stored_id": orphanedID})
		}
	}

	logging.Info("Upload finished", map[string]string{
		"filename":  filename,
		"sender":    sender,
		"recipient": recipient,
	})

	ev := protocol.NewEvent(protocol.EventFileReady, protocol.FileReady{
		Filename: filename,
		Sender:   sender,
		Time:     timestamp,
	})

	if recipient == protocol.BroadcastTarget {
		for _, sess := range m.reg.Sessions() {
			sess.Peer.Send(ev)
		}
		return
	}

	target, ok := m.reg.LookupName(recipient)
	if !ok {
		logging.Warn("File recipient is offline", map[string]string{
			"filename":  filename,
			"recipient": recipient,
		})
		return
	}
	target.Peer.Send(ev)
}

// CloseAbandoned discards every upload still open for a departing
// connection. Without this sweep an upload whose finish never arrives
// would leak its sink.
func (m *Manager) CloseAbandoned(connID string) {
	m.mu.Lock()
	var abandoned []*upload
	for key, up := range m.uploads {
		if key.connID == connID {
			abandoned = append(abandoned, up)
			delete(m.uploads, key)
		}
	}
	m.mu.Unlock()

	for _, up := range abandoned {
		m.discard(up)
	}
	if len(abandoned) > 0 {
		logging.Info("Discarded abandoned uploads", map[string]string{
			"conn":  connID,
			"count": fmt.Sprintf("%d", len(abandoned)),
		})
	}
}

func (m *Manager) discard(up *upload) {
	if err := up.file.Close(); err != nil {
		logging.Warn("Failed to close abandoned sink", map[string]string{"stored_id": up.storedID})
	}
	if err := os.Remove(filepath.Join(m.dir, up.storedID+".part")); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to remove abandoned sink", map[string]string{"stored_id": up.storedID})
	}
}

// blockingSender is implemented by peers that can apply backpressure.
// The plain Peer.Send path is lossy under a full buffer, which is fine
// for chat traffic but loses chunks the moment a stream outruns the
// socket writer; streams go through this when the peer supports it.
type blockingSender interface {
	SendBlocking(ctx context.Context, ev *protocol.Event) error
}

func sendStream(ctx context.Context, peer registry.Peer, ev *protocol.Event) error {
	if bs, ok := peer.(blockingSender); ok {
		return bs.SendBlocking(ctx, ev)
	}
	peer.Send(ev)
	return nil
}

// Download streams a stored file back to the requesting peer as a
// background job: one file-chunk event per chunk, then a single
// download-finished event. An unknown filename is a silent no-op. The
// job stops when ctx is cancelled, which the transport ties to the
// requesting connection's lifetime.
func (m *Manager) Download(ctx context.Context, peer registry.Peer, filename string) {
	rec, err := m.index.Get(filename)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.ErrorWithError("Failed to resolve download", err, map[string]string{"filename": filename})
		}
		return
	}

	file, err := os.Open(filepath.Join(m.dir, rec.StoredID))
	if err != nil {
		logging.ErrorWithError("Failed to open stored file", err, map[string]string{"filename": filename})
		return
	}

	go m.stream(ctx, peer, filename, file)
}

func (m *Manager) stream(ctx context.Context, peer registry.Peer, filename string, file *os.File) {
	defer file.Close()

	buf := make([]byte, m.chunkSize)
	for {
		if ctx.Err() != nil {
			logging.Info("Download cancelled", map[string]string{"filename": filename})
			return
		}

		n, err := file.Read(buf)
		if n > 0 {
			ev := protocol.NewEvent(protocol.EventFileChunk, protocol.FileChunk{
				Filename: filename,
				Chunk:    base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if sendErr := sendStream(ctx, peer, ev); sendErr != nil {
				logging.Info("Download cancelled", map[string]string{"filename": filename})
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.ErrorWithError("Failed to read stored file", err, map[string]string{"filename": filename})
			return
		}
	}

	finished := protocol.NewEvent(protocol.EventDownloadFinished, protocol.DownloadFinished{
		Filename: filename,
	})
	if err := sendStream(ctx, peer, finished); err != nil {
		logging.Info("Download cancelled", map[string]string{"filename": filename})
	}
}

// Package relay implements the decrypt-once, re-encrypt-per-recipient
// forwarding of chat messages. Every connection holds its own session
// key, so the server sees plaintext in transit; the encryption protects
// the wire, not the server.
package relay

import (
	"relaychat/internal/logging"
	"relaychat/internal/protocol"
	"relaychat/internal/registry"
)

// Relay forwards messages between admitted sessions. It holds no state
// of its own beyond the registry it reads.
type Relay struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Relay {
	return &Relay{reg: reg}
}

// Broadcast decrypts a ciphertext from the sending connection and
// delivers the plaintext to every live session (sender included),
// re-encrypted under each session's own key. A failure for one
// recipient never blocks delivery to the others.
func (rl *Relay) Broadcast(connID, ciphertext string) {
	sender, ok := rl.reg.Lookup(connID)
	if !ok {
		logging.Warn("Broadcast from connection without a session", map[string]string{"conn": connID})
		return
	}

	plaintext, err := sender.Cipher.Decrypt(ciphertext)
	if err != nil {
		logging.ErrorWithError("Failed to decrypt broadcast", err, map[string]string{"sender": sender.Username})
		return
	}

	for _, sess := range rl.reg.Sessions() {
		reEncrypted, err := sess.Cipher.Encrypt(plaintext)
		if err != nil {
			logging.ErrorWithError("Failed to re-encrypt broadcast", err, map[string]string{
				"sender":    sender.Username,
				"recipient": sess.Username,
			})
			continue
		}

		sess.Peer.Send(protocol.NewEvent(protocol.EventIncomingGlobal, protocol.IncomingMessage{
			Ciphertext: reEncrypted,
			Sender:     sender.Username,
		}))
	}
}

// Direct decrypts a ciphertext from the sending connection and delivers
// it to one named recipient, re-encrypted under the recipient's key.
// The sender gets no echo; the sending client renders its own copy.
// A missing sender or recipient drops the message silently.
func (rl *Relay) Direct(connID, recipientName, ciphertext string) {
	sender, ok := rl.reg.Lookup(connID)
	if !ok {
		logging.Warn("Private message from connection without a session", map[string]string{"conn": connID})
		return
	}

	recipient, ok := rl.reg.LookupName(recipientName)
	if !ok {
		logging.Warn("Private message to unknown recipient", map[string]string{
			"sender":    sender.Username,
			"recipient": recipientName,
		})
		return
	}

	plaintext, err := sender.Cipher.Decrypt(ciphertext)
	if err != nil {
		logging.ErrorWithError("Failed to decrypt private message", err, map[string]string{"sender": sender.Username})
		return
	}

	reEncrypted, err := recipient.Cipher.Encrypt(plaintext)
	if err != nil {
		logging.ErrorWithError("Failed to re-encrypt private message", err, map[string]string{
			"sender":    sender.Username,
			"recipient": recipient.Username,
		})
		return
	}

	recipient.Peer.Send(protocol.NewEvent(protocol.EventIncomingPrivate, protocol.IncomingMessage{
		Ciphertext: reEncrypted,
		Sender:     sender.Username,
	}))
}

// Package handshake carries efa connection handshakes over HTTP.
//
// The initiator POSTs its HandshakeDesc as JSON to
// http://<peer server>/efa/v1/handshake. The responder looks up the local
// context named by the descriptor's PeerNICPath and answers with its own
// descriptor. A 409 response carries a rejection: a descriptor with an empty
// ReplyMsg.
package handshake

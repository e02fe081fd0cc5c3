package main

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// noiseSuite yields the protocol name Noise_XX_25519_AESGCM_SHA256 once
// combined with the XX pattern.
var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

var errNotEstablished = errors.New("noise: transport keys not established")

// noiseSession drives the responder side of a Noise-XX handshake and owns
// the resulting transport ciphers. The first outbound handshake message
// carries the attestation payload that binds the static key to the TEE
// quote; later handshake messages carry nothing.
type noiseSession struct {
	hs              *noise.HandshakeState
	send            *noise.CipherState
	recv            *noise.CipherState
	attestation     []byte
	attestationSent bool
	msgIndex        int
}

// newNoiseSession prepares a responder handshake around the 32-byte static
// key obtained from the attestation provider.
func newNoiseSession(staticPrivate, attestation []byte) (*noiseSession, error) {
	if len(staticPrivate) != 32 {
		return nil, fmt.Errorf("noise: static key must be 32 bytes, got %d", len(staticPrivate))
	}
	public, err := curve25519.X25519(staticPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("noise: derive public key: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: staticPrivate, Public: public},
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake: %w", err)
	}
	return &noiseSession{hs: hs, attestation: attestation}, nil
}

// readHandshakeMessage consumes one inbound handshake message and returns
// the outbound messages the pattern now calls for, in order. When the
// pattern completes the transient handshake state is destroyed and the
// transport ciphers become available.
func (n *noiseSession) readHandshakeMessage(in []byte) ([][]byte, error) {
	if n.hs == nil {
		return nil, errors.New("noise: handshake already complete")
	}

	_, cs0, cs1, err := n.hs.ReadMessage(nil, in)
	if err != nil {
		return nil, fmt.Errorf("noise: read handshake message: %w", err)
	}
	n.msgIndex++
	if cs0 != nil {
		n.split(cs0, cs1)
		return nil, nil
	}

	// The responder sends the odd-numbered pattern messages.
	var out [][]byte
	for n.hs != nil && n.msgIndex%2 == 1 {
		var payload []byte
		if !n.attestationSent {
			payload = n.attestation
			n.attestationSent = true
		}
		msg, cs0, cs1, err := n.hs.WriteMessage(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("noise: write handshake message: %w", err)
		}
		n.msgIndex++
		out = append(out, msg)
		if cs0 != nil {
			n.split(cs0, cs1)
		}
	}
	return out, nil
}

// split retains the transport ciphers and drops the handshake state. The
// first cipher of the pair encrypts initiator-to-responder traffic, so on
// this side it decrypts.
func (n *noiseSession) split(cs0, cs1 *noise.CipherState) {
	n.recv = cs0
	n.send = cs1
	n.hs = nil
	n.attestation = nil
}

// established reports whether the transport ciphers are usable.
func (n *noiseSession) established() bool {
	return n.send != nil && n.recv != nil
}

// encrypt seals one transport frame; the ciphertext is exactly 16 bytes
// longer than the plaintext. Callers serialize access to the send cipher.
func (n *noiseSession) encrypt(plaintext []byte) ([]byte, error) {
	if n.send == nil {
		return nil, errNotEstablished
	}
	return n.send.Encrypt(nil, nil, plaintext)
}

// decrypt opens one transport frame. Only the session reader calls this.
func (n *noiseSession) decrypt(ciphertext []byte) ([]byte, error) {
	if n.recv == nil {
		return nil, errNotEstablished
	}
	return n.recv.Decrypt(nil, nil, ciphertext)
}

// destroy forgets all key material.
func (n *noiseSession) destroy() {
	n.hs = nil
	n.send = nil
	n.recv = nil
	n.attestation = nil
}

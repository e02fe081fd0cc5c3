// Package attest defines the contract between the gateway and the TEE
// attestation machinery: a static X25519 key for the Noise handshake and a
// signed attestation document binding that key to the platform quote.
// Concrete quote generation (TDX, SEV-SNP) lives behind the Provider
// interface and outside this repository.
package attest

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of the X25519 static key in bytes.
const KeySize = 32

// ReportDataSize is the length of the report_data blob embedded in a TEE
// quote. The Noise static public key occupies its first 32 bytes.
const ReportDataSize = 64

// Response is the attestation document carried in the payload of the first
// outbound Noise handshake message, serialized as JSON.
type Response struct {
	Platform       string `json:"platform"`
	Attestation    string `json:"attestation"`
	Manifest       string `json:"manifest"`
	ManifestBundle string `json:"manifestBundle"`
}

// Provider supplies the Noise static key and a signed attestation binding
// it. Implementations may cache and refresh the attestation; callers treat
// the returned document as opaque.
type Provider interface {
	// PrivateKey returns the 32-byte X25519 static private key. The
	// provider retains ownership; callers must not hold the slice beyond
	// the handshake setup.
	PrivateKey() []byte

	// SignedAttestation returns the current attestation document.
	SignedAttestation() (*Response, error)
}

// ReportData builds the 64-byte report_data blob with the public key in the
// first 32 bytes and the remainder zeroed.
func ReportData(publicKey []byte) ([]byte, error) {
	if len(publicKey) != KeySize {
		return nil, fmt.Errorf("attest: public key must be %d bytes, got %d", KeySize, len(publicKey))
	}
	reportData := make([]byte, ReportDataSize)
	copy(reportData, publicKey)
	return reportData, nil
}

// StaticProvider serves a fixed key and attestation document. It backs
// development deployments and tests; production wires a platform-specific
// provider behind the same interface. The private key lives in locked
// memory and is wiped on Destroy.
type StaticProvider struct {
	platform       string
	attestation    string
	manifest       string
	manifestBundle string

	key *memguard.LockedBuffer

	mu     sync.Mutex
	cached *Response
}

// NewStaticProvider wraps the given 32-byte private key. A nil key asks for
// a freshly generated one. The caller's key slice is wiped once captured.
func NewStaticProvider(key []byte, platform, attestation, manifest, manifestBundle string) (*StaticProvider, error) {
	if platform == "" {
		return nil, errors.New("attest: platform is required")
	}

	var buf *memguard.LockedBuffer
	switch {
	case key == nil:
		fresh := make([]byte, KeySize)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("attest: generate key: %w", err)
		}
		buf = memguard.NewBufferFromBytes(fresh)
	case len(key) == KeySize:
		buf = memguard.NewBufferFromBytes(key)
	default:
		return nil, fmt.Errorf("attest: private key must be %d bytes, got %d", KeySize, len(key))
	}

	return &StaticProvider{
		platform:       platform,
		attestation:    attestation,
		manifest:       manifest,
		manifestBundle: manifestBundle,
		key:            buf,
	}, nil
}

// PrivateKey returns the static private key bytes from locked memory.
func (p *StaticProvider) PrivateKey() []byte {
	return p.key.Bytes()
}

// PublicKey derives the X25519 public key for the static key.
func (p *StaticProvider) PublicKey() ([]byte, error) {
	return curve25519.X25519(p.key.Bytes(), curve25519.Basepoint)
}

// SignedAttestation returns the fixed attestation document.
func (p *StaticProvider) SignedAttestation() (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		p.cached = &Response{
			Platform:       p.platform,
			Attestation:    p.attestation,
			Manifest:       p.manifest,
			ManifestBundle: p.manifestBundle,
		}
	}
	return p.cached, nil
}

// Destroy wipes the private key.
func (p *StaticProvider) Destroy() {
	p.key.Destroy()
}

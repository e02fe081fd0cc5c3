package attest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// TestStaticProviderGeneratedKey verifies that a provider without a
// configured key generates a usable one.
func TestStaticProviderGeneratedKey(t *testing.T) {
	p, err := NewStaticProvider(nil, "TDX", "attestation-jwt", "{}", "{}")
	require.NoError(t, err)
	defer p.Destroy()

	require.Len(t, p.PrivateKey(), KeySize)

	pub, err := p.PublicKey()
	require.NoError(t, err)
	require.Len(t, pub, KeySize)

	derived, err := curve25519.X25519(p.PrivateKey(), curve25519.Basepoint)
	require.NoError(t, err)
	require.Equal(t, derived, pub)
}

// TestStaticProviderKeyLength verifies the key length check.
func TestStaticProviderKeyLength(t *testing.T) {
	_, err := NewStaticProvider(make([]byte, 16), "TDX", "", "", "")
	require.Error(t, err)
}

// TestStaticProviderPlatformRequired verifies that the platform must be set.
func TestStaticProviderPlatformRequired(t *testing.T) {
	_, err := NewStaticProvider(nil, "", "", "", "")
	require.Error(t, err)
}

// TestSignedAttestationShape verifies the JSON field names carried in the
// handshake payload.
func TestSignedAttestationShape(t *testing.T) {
	p, err := NewStaticProvider(nil, "SEV-SNP", "base64-report", "manifest-json", "bundle-json")
	require.NoError(t, err)
	defer p.Destroy()

	resp, err := p.SignedAttestation()
	require.NoError(t, err)

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "SEV-SNP", m["platform"])
	require.Equal(t, "base64-report", m["attestation"])
	require.Equal(t, "manifest-json", m["manifest"])
	require.Equal(t, "bundle-json", m["manifestBundle"])
}

// TestSignedAttestationCached verifies the cached document is reused.
func TestSignedAttestationCached(t *testing.T) {
	p, err := NewStaticProvider(nil, "TDX", "a", "m", "b")
	require.NoError(t, err)
	defer p.Destroy()

	first, err := p.SignedAttestation()
	require.NoError(t, err)
	second, err := p.SignedAttestation()
	require.NoError(t, err)
	require.Same(t, first, second)
}

// TestReportData verifies the report_data layout: public key first, zeros
// after.
func TestReportData(t *testing.T) {
	p, err := NewStaticProvider(nil, "TDX", "", "", "")
	require.NoError(t, err)
	defer p.Destroy()

	pub, err := p.PublicKey()
	require.NoError(t, err)

	rd, err := ReportData(pub)
	require.NoError(t, err)
	require.Len(t, rd, ReportDataSize)
	require.Equal(t, pub, rd[:KeySize])
	for _, b := range rd[KeySize:] {
		require.Zero(t, b)
	}

	_, err = ReportData([]byte("short"))
	require.Error(t, err)
}

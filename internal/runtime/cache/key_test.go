package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	b := NewKeyBuilder("complyd:verdict:v1", "salt", 1)
	first := b.Fingerprint("api-call", []byte("payload"), map[string]string{"tenant": "a", "region": "eu"})
	second := b.Fingerprint("api-call", []byte("payload"), map[string]string{"region": "eu", "tenant": "a"})
	require.Equal(t, first, second, "context map order must not affect the key")
	require.True(t, strings.HasPrefix(first, "complyd:verdict:v1:1:"))
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	b := NewKeyBuilder("", "", 0)

	base := b.Fingerprint("api-call", []byte("payload"), nil)
	require.NotEqual(t, base, b.Fingerprint("upload", []byte("payload"), nil))
	require.NotEqual(t, base, b.Fingerprint("api-call", []byte("payload2"), nil))
	require.NotEqual(t, base, b.Fingerprint("api-call", []byte("payload"), map[string]string{"k": "v"}))
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	b := NewKeyBuilder("ns", "", 1)
	// "ab"+"c" and "a"+"bc" must not alias across the type/content boundary.
	require.NotEqual(t,
		b.Fingerprint("ab", []byte("c"), nil),
		b.Fingerprint("a", []byte("bc"), nil))
}

func TestFingerprintEpochShiftsNamespace(t *testing.T) {
	b := NewKeyBuilder("ns", "salt", 1)
	next := b.WithEpoch(2)
	require.NotEqual(t,
		b.Fingerprint("api-call", []byte("payload"), nil),
		next.Fingerprint("api-call", []byte("payload"), nil))
	require.Equal(t, 2, next.Epoch())
}

func TestFingerprintSaltedKeysDiffer(t *testing.T) {
	a := NewKeyBuilder("ns", "salt-a", 1)
	b := NewKeyBuilder("ns", "salt-b", 1)
	require.NotEqual(t,
		a.Fingerprint("api-call", []byte("payload"), nil),
		b.Fingerprint("api-call", []byte("payload"), nil))
}

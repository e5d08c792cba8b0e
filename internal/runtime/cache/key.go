package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
)

// KeyBuilder derives deterministic cache keys from normalized request
// payloads. Identical logical requests always map to the same key; the
// salt keeps keys unguessable across deployments and the epoch shifts the
// whole namespace when the rule set is reloaded, which retires stale
// distributed entries without an explicit invalidation protocol.
type KeyBuilder struct {
	namespace string
	salt      []byte
	epoch     int
}

// NewKeyBuilder prepares a builder for the given namespace, salt, and epoch.
func NewKeyBuilder(namespace, salt string, epoch int) KeyBuilder {
	if namespace == "" {
		namespace = "complyd:verdict:v1"
	}
	if epoch <= 0 {
		epoch = 1
	}
	return KeyBuilder{namespace: namespace, salt: []byte(salt), epoch: epoch}
}

// Epoch returns the active key epoch.
func (b KeyBuilder) Epoch() int { return b.epoch }

// WithEpoch returns a builder for a later epoch while keeping namespace and salt.
func (b KeyBuilder) WithEpoch(epoch int) KeyBuilder {
	if epoch <= 0 {
		epoch = 1
	}
	return KeyBuilder{namespace: b.namespace, salt: b.salt, epoch: epoch}
}

// Fingerprint computes the cache key for a request. Context pairs are
// folded in sorted order and every component is length-prefixed so that
// adjacent fields cannot alias each other ("ab"+"c" vs "a"+"bc").
func (b KeyBuilder) Fingerprint(requestType string, content []byte, reqCtx map[string]string) string {
	h := sha256.New()
	h.Write(b.salt)
	writeField(h, []byte(requestType))
	writeField(h, content)

	keys := make([]string, 0, len(reqCtx))
	for k := range reqCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(reqCtx[k]))
	}

	encoded := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s:%d:%s", b.namespace, b.epoch, encoded)
}

func writeField(h interface{ Write([]byte) (int, error) }, field []byte) {
	_, _ = h.Write([]byte(strconv.Itoa(len(field))))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write(field)
}

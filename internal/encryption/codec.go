package encryption

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stored metadata is self-describing so a reader can tell sealed blobs from
// the plaintext written when sealing failed.
const (
	sealedPrefix    = "enc:"
	plaintextPrefix = "plain:"
)

// Codec seals event metadata maps for storage.
type Codec struct {
	engine *Engine
}

// NewCodec creates a codec over an engine. A nil or disabled engine yields a
// codec whose EncryptMetadata always fails with ErrDisabled.
func NewCodec(engine *Engine) *Codec {
	return &Codec{engine: engine}
}

// Enabled reports whether metadata will actually be sealed.
func (c *Codec) Enabled() bool {
	return c != nil && c.engine != nil && c.engine.Enabled()
}

// EncryptMetadata serializes meta to JSON and seals it.
func (c *Codec) EncryptMetadata(meta map[string]any) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	data, err := marshalMetadata(meta)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed, err := c.engine.Encrypt(data)
	if err != nil {
		return "", err
	}
	return sealedPrefix + sealed, nil
}

// DecryptMetadata reverses EncryptMetadata. It also reads values produced by
// PlaintextMetadata and bare JSON objects.
func (c *Codec) DecryptMetadata(stored string) (map[string]any, error) {
	switch {
	case stored == "":
		return map[string]any{}, nil

	case strings.HasPrefix(stored, plaintextPrefix):
		return unmarshalMetadata([]byte(strings.TrimPrefix(stored, plaintextPrefix)))

	case strings.HasPrefix(stored, sealedPrefix):
		if !c.Enabled() {
			return nil, ErrDisabled
		}
		data, err := c.engine.Decrypt(strings.TrimPrefix(stored, sealedPrefix))
		if err != nil {
			return nil, err
		}
		return unmarshalMetadata(data)

	case strings.HasPrefix(stored, "{"):
		return unmarshalMetadata([]byte(stored))
	}

	return nil, fmt.Errorf("%w: unrecognized metadata encoding", ErrInvalidCiphertext)
}

// PlaintextMetadata encodes meta without encryption. It is the write-side
// fallback when sealing fails.
func PlaintextMetadata(meta map[string]any) string {
	data, err := marshalMetadata(meta)
	if err != nil {
		return plaintextPrefix + "{}"
	}
	return plaintextPrefix + string(data)
}

// IsSealed reports whether a stored value was written encrypted.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(meta)
}

func unmarshalMetadata(data []byte) (map[string]any, error) {
	meta := map[string]any{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}

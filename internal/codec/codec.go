// Package codec implements the control-message envelope exchanged over the
// federation bus: inline JSON envelopes, out-of-band msgpack blobs, and the
// shared-key symmetric crypt used for blobs and watch expiries.
//
// The JSON envelope shape and field names are part of the federation wire
// contract; peers on the bus parse exactly this layout.
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/nacl/secretbox"
)

// Envelope is one control message on the exchange bus.
type Envelope struct {
	From   string          `json:"from"`
	To     []string        `json:"to"`
	Action string          `json:"action"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// Codec encodes and decodes envelopes and their detachable blob payloads.
type Codec struct {
	key [32]byte
	log zerolog.Logger
}

// New returns a Codec using the shared federation key.
func New(key [32]byte, log zerolog.Logger) *Codec {
	return &Codec{key: key, log: log.With().Str("component", "codec").Logger()}
}

// Encode builds the wire form of an envelope. data is marshalled as the
// envelope's inline payload.
func (c *Codec) Encode(from string, to []string, action, typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{From: from, To: to, Action: action, Type: typ, Data: raw}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses a raw bus payload. Malformed input returns an error; callers
// log it and treat the message as carrying no data.
func (c *Codec) Decode(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.From == "" || env.Action == "" || env.Type == "" {
		return nil, fmt.Errorf("envelope missing from/action/type")
	}
	return &env, nil
}

// WriteBlob marshals v to a temp file under dir, optionally sealing it with
// the shared key. The caller owns the returned path.
func (c *Codec) WriteBlob(dir string, v any, encrypt bool) (string, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal blob: %w", err)
	}
	if encrypt {
		data, err = c.seal(data)
		if err != nil {
			return "", err
		}
	}
	f, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return "", fmt.Errorf("create blob file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write blob file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// ReadBlob reads a blob payload into out and deletes the file on every path,
// decode failures included. Transient blob storage never outlives the decode.
func (c *Codec) ReadBlob(path string, encrypted bool, out any) error {
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("path", path).Msg("delete blob file failed")
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read blob file: %w", err)
	}
	if encrypted {
		data, err = c.open(data)
		if err != nil {
			return err
		}
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal blob: %w", err)
	}
	return nil
}

// EncryptString seals s with the shared key, base64url encoded for transport
// inside a JSON payload.
func (c *Codec) EncryptString(s string) (string, error) {
	sealed, err := c.seal([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (c *Codec) DecryptString(s string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := c.open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// seal prepends a random nonce to the secretbox ciphertext.
func (c *Codec) seal(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &c.key), nil
}

func (c *Codec) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("decrypt failed")
	}
	return plain, nil
}

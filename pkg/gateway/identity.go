package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// DeviceIdentity is the persistent per-installation credential presented
// during the gateway handshake. The deviceId is derived from the public
// key, so the same key pair always yields the same id.
type DeviceIdentity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// identityFile is the on-disk JSON layout.
type identityFile struct {
	DeviceID        string `json:"deviceId"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
	PrivateKeyPEM   string `json:"privateKeyPem"`
}

// DefaultIdentityPath returns the per-user identity file location.
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(dir, "conductor", "identity.json"), nil
}

// LoadOrCreateIdentity loads the identity at path, generating and
// persisting a new Ed25519 key pair on first use. The file is written with
// owner-only permissions. A pre-existing valid identity always wins, so
// concurrent processes sharing a path converge on one device id.
func LoadOrCreateIdentity(path string) (*DeviceIdentity, error) {
	if data, err := os.ReadFile(path); err == nil {
		id, err := parseIdentity(data)
		if err != nil {
			return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity file %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	id := &DeviceIdentity{
		DeviceID:   deviceIDFor(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}
	if err := saveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Sign signs the handshake payload with the device's private key.
func (d *DeviceIdentity) Sign(payload []byte) []byte {
	return ed25519.Sign(d.PrivateKey, payload)
}

// PublicKeyBase64URL returns the public key in the wire encoding used by
// the connect frame.
func (d *DeviceIdentity) PublicKeyBase64URL() string {
	return base64.RawURLEncoding.EncodeToString(d.PublicKey)
}

func deviceIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func parseIdentity(data []byte) (*DeviceIdentity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	pubBytes, err := base64.StdEncoding.DecodeString(f.PublicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(pubBytes), ed25519.PublicKeySize)
	}

	block, _ := pem.Decode([]byte(f.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", key)
	}

	pub := ed25519.PublicKey(pubBytes)
	return &DeviceIdentity{
		DeviceID:   deviceIDFor(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

func saveIdentity(path string, id *DeviceIdentity) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	data, err := json.MarshalIndent(identityFile{
		DeviceID:        id.DeviceID,
		PublicKeyBase64: base64.StdEncoding.EncodeToString(id.PublicKey),
		PrivateKeyPEM:   string(pemBytes),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing identity file %s: %w", path, err)
	}
	return nil
}

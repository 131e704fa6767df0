package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Identity is a node's keypair plus its public identifiers.
type Identity struct {
	AgentID  string
	Endpoint string
	Private  ed25519.PrivateKey
	Public   ed25519.PublicKey
}

// PublicKeyB64 returns the base64 public key as published via /swarm/info.
func (id *Identity) PublicKeyB64() string {
	return EncodePublicKey(id.Public)
}

// Sign signs a canonical payload with the identity's private key.
func (id *Identity) Sign(payload []byte) (string, error) {
	return Sign(payload, id.Private)
}

// LoadOrCreateIdentity reads the Ed25519 seed from keyPath, generating and
// persisting a new keypair when the file does not exist. The key file and its
// directory are created owner-only; a key file readable by group or other is
// rejected.
func LoadOrCreateIdentity(agentID, endpoint, keyPath string) (*Identity, error) {
	seed, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		info, statErr := os.Stat(keyPath)
		if statErr != nil {
			return nil, fmt.Errorf("stat key file: %w", statErr)
		}
		if info.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("key file %s has permissions %04o, want 0600", keyPath, info.Mode().Perm())
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: key file is %d bytes, want %d-byte seed", ErrKeyFormat, len(seed), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Identity{
			AgentID:  agentID,
			Endpoint: endpoint,
			Private:  priv,
			Public:   priv.Public().(ed25519.PublicKey),
		}, nil

	case errors.Is(err, fs.ErrNotExist):
		pub, priv, genErr := GenerateKeypair()
		if genErr != nil {
			return nil, genErr
		}
		if mkErr := os.MkdirAll(filepath.Dir(keyPath), 0o700); mkErr != nil {
			return nil, fmt.Errorf("create key directory: %w", mkErr)
		}
		if wrErr := os.WriteFile(keyPath, priv.Seed(), 0o600); wrErr != nil {
			return nil, fmt.Errorf("write key file: %w", wrErr)
		}
		return &Identity{AgentID: agentID, Endpoint: endpoint, Private: priv, Public: pub}, nil

	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}
}

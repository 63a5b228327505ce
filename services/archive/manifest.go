package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed metadata included in a session archive.
type Manifest struct {
	Version          string            `yaml:"version"`
	CreatedAt        time.Time         `yaml:"created_at"`
	Cutoff           time.Time         `yaml:"cutoff"`
	Signer           string            `yaml:"signer,omitempty"`
	SigningPublicKey string            `yaml:"signing_public_key,omitempty"`
	Signature        string            `yaml:"signature,omitempty"`
	Sessions         []ManifestSession `yaml:"sessions"`
}

// SigningBytes marshals the manifest without its signature for
// signing and verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestSession describes one archived session file.
type ManifestSession struct {
	Path      string `yaml:"path"`
	SessionID string `yaml:"session_id"`
	Step      string `yaml:"step"`
	Size      int64  `yaml:"size"`
	SHA256    string `yaml:"sha256"`
}

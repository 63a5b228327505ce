// Package archive implements retention tooling for deployment sessions:
// terminal sessions are exported into a signed tar.zst archive, verified on
// import, and optionally parked in S3-compatible storage. Key material is
// never exported; an archived session cannot sign anything ever again.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	gos3 "eagled/pkg/s3"
	"eagled/services/registry"
)

const (
	manifestFileName  = "manifest.yaml"
	sessionsTarPrefix = "sessions"
	manifestVersion   = "1"
)

// SessionSource lists the sessions eligible for export. The registry
// session store satisfies it.
type SessionSource interface {
	TerminalBefore(ctx context.Context, cutoff time.Time) ([]registry.Session, error)
}

// SessionSink restores archived sessions. The registry session store
// satisfies it.
type SessionSink interface {
	RestoreSession(ctx context.Context, s registry.Session) (bool, error)
}

// archivedSession is the on-disk form of one session. The encrypted key is
// deliberately absent: archives outlive the retention window of the key
// material they would otherwise carry.
type archivedSession struct {
	ID             uuid.UUID      `json:"id"`
	TokenHash      string         `json:"tokenHash"`
	SessionAddress string         `json:"sessionAddress"`
	SmartWallet    string         `json:"smartWallet"`
	SessionOwner   string         `json:"sessionOwner"`
	Payload        map[string]any `json:"payload,omitempty"`
	Step           string         `json:"step"`
	LastError      string         `json:"lastError,omitempty"`
	LastUserOpHash string         `json:"lastUserOpHash,omitempty"`
	LastTxHash     string         `json:"lastTxHash,omitempty"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func toArchived(s registry.Session) archivedSession {
	return archivedSession{
		ID:             s.ID,
		TokenHash:      s.TokenHash,
		SessionAddress: s.SessionAddress.Hex(),
		SmartWallet:    s.SmartWallet.Hex(),
		SessionOwner:   s.SessionOwner.Hex(),
		Payload:        s.Payload,
		Step:           string(s.Step),
		LastError:      s.LastError,
		LastUserOpHash: s.LastUserOpHash,
		LastTxHash:     s.LastTxHash,
		ExpiresAt:      s.ExpiresAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (a archivedSession) toSession() (registry.Session, error) {
	step, err := registry.ParseStep(a.Step)
	if err != nil {
		return registry.Session{}, fmt.Errorf("archived session %s: %w", a.ID, err)
	}
	for field, value := range map[string]string{
		"sessionAddress": a.SessionAddress,
		"smartWallet":    a.SmartWallet,
		"sessionOwner":   a.SessionOwner,
	} {
		if !common.IsHexAddress(value) {
			return registry.Session{}, fmt.Errorf("archived session %s: %s holds %q, not an address", a.ID, field, value)
		}
	}
	return registry.Session{
		ID:             a.ID,
		TokenHash:      a.TokenHash,
		SessionAddress: common.HexToAddress(a.SessionAddress),
		SmartWallet:    common.HexToAddress(a.SmartWallet),
		SessionOwner:   common.HexToAddress(a.SessionOwner),
		Payload:        a.Payload,
		Step:           step,
		LastError:      a.LastError,
		LastUserOpHash: a.LastUserOpHash,
		LastTxHash:     a.LastTxHash,
		ExpiresAt:      a.ExpiresAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}, nil
}

// ExportConfig configures archive creation.
type ExportConfig struct {
	Source SessionSource
	Cutoff time.Time
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// Export writes terminal sessions older than the cutoff into a signed
// tar.zst archive.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Source == nil {
		return nil, errors.New("session source is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Cutoff.IsZero() {
		return nil, errors.New("cutoff is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	sessions, err := cfg.Source.TerminalBefore(ctx, cfg.Cutoff)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, errors.New("no terminal sessions older than cutoff")
	}

	type fileEntry struct {
		meta ManifestSession
		data []byte
	}
	entries := make([]fileEntry, 0, len(sessions))
	for _, s := range sessions {
		data, err := json.MarshalIndent(toArchived(s), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal session %s: %w", s.ID, err)
		}
		sum := sha256.Sum256(data)
		entries = append(entries, fileEntry{
			meta: ManifestSession{
				Path:      s.ID.String() + ".json",
				SessionID: s.ID.String(),
				Step:      string(s.Step),
				Size:      int64(len(data)),
				SHA256:    hex.EncodeToString(sum[:]),
			},
			data: data,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].meta.Path < entries[j].meta.Path })

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Cutoff:           cfg.Cutoff.UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
	}
	for _, e := range entries {
		manifest.Sessions = append(manifest.Sessions, e.meta)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if dir := filepath.Dir(cfg.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	now := cfg.Now().UTC()
	if err := writeTarFile(tw, manifestFileName, manifestBytes, now); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := writeTarFile(tw, path.Join(sessionsTarPrefix, e.meta.Path), e.data, now); err != nil {
			return nil, err
		}
	}

	fmt.Fprintf(cfg.Stdout, "wrote archive %s (%d sessions)\n", cfg.Output, len(entries))
	return manifest, nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write body for %q: %w", name, err)
	}
	return nil
}

// ImportConfig configures archive restoration.
type ImportConfig struct {
	ArchivePath string
	Sink        SessionSink
	Signer      *Signer
	Stdout      io.Writer
}

// Import verifies an archive's manifest signature and per-file digests,
// then restores its sessions. Existing rows are skipped, never regressed.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.ArchivePath == "" {
		return nil, errors.New("archive file is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session sink is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	file, err := os.Open(cfg.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string][]byte{}
	)

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(header.Name)
		if strings.HasPrefix(name, "..") || path.IsAbs(name) {
			return nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		if name == manifestFileName {
			manifestBytes = data
			continue
		}
		files[name] = data
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("archive missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	restored, skipped := 0, 0
	for _, entry := range manifest.Sessions {
		data, ok := files[path.Join(sessionsTarPrefix, entry.Path)]
		if !ok {
			return nil, fmt.Errorf("session %q missing from archive", entry.Path)
		}
		if int64(len(data)) != entry.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", entry.Path, entry.Size, len(data))
		}
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), entry.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", entry.Path)
		}

		var archived archivedSession
		if err := json.Unmarshal(data, &archived); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", entry.Path, err)
		}
		session, err := archived.toSession()
		if err != nil {
			return nil, err
		}

		wrote, err := cfg.Sink.RestoreSession(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("restore session %s: %w", session.ID, err)
		}
		if wrote {
			restored++
		} else {
			skipped++
		}
	}

	fmt.Fprintf(cfg.Stdout, "restored %d sessions, skipped %d existing\n", restored, skipped)
	return &manifest, nil
}

// Push uploads an archive file to S3-compatible storage.
func Push(ctx context.Context, client *gos3.Client, bucket, key, archivePath string) error {
	if client == nil {
		return errors.New("s3 client is required")
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if err := client.PutObject(ctx, bucket, key, file, size, digest); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	return nil
}

// Link returns a presigned download URL for a pushed archive.
func Link(ctx context.Context, client *gos3.Client, bucket, key string, ttl time.Duration) (string, error) {
	if client == nil {
		return "", errors.New("s3 client is required")
	}
	return client.PresignGet(ctx, bucket, key, ttl)
}

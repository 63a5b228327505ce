package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"eagled/services/registry"
)

type memorySource struct {
	sessions []registry.Session
}

func (m *memorySource) TerminalBefore(_ context.Context, cutoff time.Time) ([]registry.Session, error) {
	var out []registry.Session
	for _, s := range m.sessions {
		if s.Step.Terminal() && s.UpdatedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

type memorySink struct {
	restored []registry.Session
	existing map[string]bool
}

func (m *memorySink) RestoreSession(_ context.Context, s registry.Session) (bool, error) {
	if m.existing[s.TokenHash] {
		return false, nil
	}
	m.restored = append(m.restored, s)
	return true, nil
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x42}, 32)
	signer, err := NewSigner(seed)
	require.NoError(t, err)
	return signer
}

func terminalSession(step registry.Step, age time.Duration) registry.Session {
	now := time.Now().UTC()
	return registry.Session{
		ID:             uuid.New(),
		TokenHash:      uuid.NewString(),
		SessionAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		SmartWallet:    common.HexToAddress("0x2222222222222222222222222222222222222222"),
		SessionOwner:   common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Payload:        map[string]any{"phase2Calls": []any{}},
		Step:           step,
		LastTxHash:     "0xabc",
		ExpiresAt:      now.Add(-age),
		CreatedAt:      now.Add(-age - time.Hour),
		UpdatedAt:      now.Add(-age),
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t)

	source := &memorySource{sessions: []registry.Session{
		terminalSession(registry.StepCompleted, 48*time.Hour),
		terminalSession(registry.StepFailed, 72*time.Hour),
		terminalSession(registry.StepCompleted, time.Minute), // too recent
	}}

	output := filepath.Join(t.TempDir(), "sessions.tar.zst")
	manifest, err := Export(ctx, ExportConfig{
		Source: source,
		Cutoff: time.Now().Add(-24 * time.Hour),
		Output: output,
		Signer: signer,
	})
	require.NoError(t, err)
	require.Len(t, manifest.Sessions, 2)
	assert.NotEmpty(t, manifest.Signature)
	assert.Equal(t, signer.PublicKeyBase64(), manifest.SigningPublicKey)

	sink := &memorySink{}
	imported, err := Import(ctx, ImportConfig{
		ArchivePath: output,
		Sink:        sink,
		Signer:      signer,
	})
	require.NoError(t, err)
	require.Len(t, sink.restored, 2)
	assert.Equal(t, manifest.Signature, imported.Signature)

	byID := map[uuid.UUID]registry.Session{}
	for _, s := range sink.restored {
		byID[s.ID] = s
	}
	for _, want := range source.sessions[:2] {
		got, ok := byID[want.ID]
		require.True(t, ok, "session %s not restored", want.ID)
		assert.Equal(t, want.Step, got.Step)
		assert.Equal(t, want.TokenHash, got.TokenHash)
		assert.Equal(t, want.SmartWallet, got.SmartWallet)
		assert.Equal(t, want.LastTxHash, got.LastTxHash)
		assert.Empty(t, got.SessionOwnerKeyEnc, "archives must not carry key material")
	}
}

func TestImportSkipsExistingSessions(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t)

	existing := terminalSession(registry.StepCompleted, 48*time.Hour)
	source := &memorySource{sessions: []registry.Session{existing}}

	output := filepath.Join(t.TempDir(), "sessions.tar.zst")
	_, err := Export(ctx, ExportConfig{
		Source: source,
		Cutoff: time.Now(),
		Output: output,
		Signer: signer,
	})
	require.NoError(t, err)

	sink := &memorySink{existing: map[string]bool{existing.TokenHash: true}}
	_, err = Import(ctx, ImportConfig{ArchivePath: output, Sink: sink, Signer: signer})
	require.NoError(t, err)
	assert.Empty(t, sink.restored)
}

func TestExportRequiresSessions(t *testing.T) {
	_, err := Export(context.Background(), ExportConfig{
		Source: &memorySource{},
		Cutoff: time.Now(),
		Output: filepath.Join(t.TempDir(), "empty.tar.zst"),
		Signer: testSigner(t),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no terminal sessions")
}

func TestImportRejectsTamperedManifest(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t)

	source := &memorySource{sessions: []registry.Session{
		terminalSession(registry.StepCancelled, 48*time.Hour),
	}}
	output := filepath.Join(t.TempDir(), "sessions.tar.zst")
	_, err := Export(ctx, ExportConfig{
		Source: source,
		Cutoff: time.Now(),
		Output: output,
		Signer: signer,
	})
	require.NoError(t, err)

	tampered := rewriteArchive(t, output, func(name string, data []byte) []byte {
		if name != manifestFileName {
			return data
		}
		var m Manifest
		require.NoError(t, yaml.Unmarshal(data, &m))
		m.Sessions[0].Step = string(registry.StepCompleted)
		out, err := yaml.Marshal(m)
		require.NoError(t, err)
		return out
	})

	sink := &memorySink{}
	_, err = Import(ctx, ImportConfig{ArchivePath: tampered, Sink: sink, Signer: signer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
	assert.Empty(t, sink.restored)
}

func TestImportRejectsTamperedSessionFile(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t)

	source := &memorySource{sessions: []registry.Session{
		terminalSession(registry.StepFailed, 48*time.Hour),
	}}
	output := filepath.Join(t.TempDir(), "sessions.tar.zst")
	_, err := Export(ctx, ExportConfig{
		Source: source,
		Cutoff: time.Now(),
		Output: output,
		Signer: signer,
	})
	require.NoError(t, err)

	tampered := rewriteArchive(t, output, func(name string, data []byte) []byte {
		if name == manifestFileName {
			return data
		}
		return bytes.Replace(data, []byte(`"failed"`), []byte(`"completed"`), 1)
	})

	sink := &memorySink{}
	_, err = Import(ctx, ImportConfig{ArchivePath: tampered, Sink: sink, Signer: signer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
	assert.Empty(t, sink.restored)
}

func TestImportRejectsWrongSigner(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t)

	source := &memorySource{sessions: []registry.Session{
		terminalSession(registry.StepCompleted, 48*time.Hour),
	}}
	output := filepath.Join(t.TempDir(), "sessions.tar.zst")
	_, err := Export(ctx, ExportConfig{
		Source: source,
		Cutoff: time.Now(),
		Output: output,
		Signer: signer,
	})
	require.NoError(t, err)

	other, err := NewSigner(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	_, err = Import(ctx, ImportConfig{ArchivePath: output, Sink: &memorySink{}, Signer: other})
	require.Error(t, err)
}

// rewriteArchive unpacks an archive, maps every entry through fn, and writes
// a sibling archive with the results.
func rewriteArchive(t *testing.T, path string, fn func(name string, data []byte) []byte) string {
	t.Helper()

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	require.NoError(t, err)
	defer decoder.Close()

	outPath := filepath.Join(t.TempDir(), "tampered.tar.zst")
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()

	encoder, err := zstd.NewWriter(out)
	require.NoError(t, err)
	defer encoder.Close()

	tr := tar.NewReader(decoder)
	tw := tar.NewWriter(encoder)
	defer tw.Close()

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)

		data = fn(header.Name, data)
		header.Size = int64(len(data))
		require.NoError(t, tw.WriteHeader(header))
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	return outPath
}

package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	src     string
	mgr     *Manager
	running bool
	now     time.Time
}

func newFixture(t *testing.T, keep int) *fixture {
	t.Helper()
	f := &fixture{src: t.TempDir(), now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	writeFile(t, filepath.Join(f.src, "server.properties"), "motd=hi\n")
	writeFile(t, filepath.Join(f.src, "world", "level.dat"), "level")
	writeFile(t, filepath.Join(f.src, "logs", "latest.log"), "log")
	mgr, err := New(Options{
		Source:  f.src,
		Dir:     filepath.Join(f.src, "backups"),
		Keep:    keep,
		Exclude: []string{"logs"},
		Running: func() bool { return f.running },
		Now: func() time.Time {
			f.now = f.now.Add(time.Minute)
			return f.now
		},
	})
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestCreateSkipsBackupDirAndExcludes(t *testing.T) {
	f := newFixture(t, 0)
	info, err := f.mgr.Create(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "backup-20240301-100100-manual.tar.gz", info.Name)
	assert.Len(t, info.SHA256, 64)
	require.NoError(t, VerifySHA256(filepath.Join(f.src, "backups", info.Name), info.SHA256))

	names := archiveNames(t, filepath.Join(f.src, "backups", info.Name))
	assert.ElementsMatch(t, []string{"server.properties", "world/", "world/level.dat"}, names)

	list, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, info.SHA256, list[0].SHA256)
}

func TestCreateRejectsBadLabel(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.mgr.Create(context.Background(), "../../evil")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRetentionKeepsNewest(t *testing.T) {
	f := newFixture(t, 2)
	var created []string
	for i := 0; i < 4; i++ {
		info, err := f.mgr.Create(context.Background(), "")
		require.NoError(t, err)
		created = append(created, info.Name)
	}
	list, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, created[3], list[0].Name)
	assert.Equal(t, created[2], list[1].Name)

	idx, err := LoadIndex(filepath.Join(f.src, "backups"))
	require.NoError(t, err)
	assert.Len(t, idx.M, 2)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, 0)
	info, err := f.mgr.Create(context.Background(), "")
	require.NoError(t, err)

	writeFile(t, filepath.Join(f.src, "server.properties"), "motd=changed\n")
	writeFile(t, filepath.Join(f.src, "world", "new.dat"), "new")

	f.running = true
	assert.ErrorIs(t, f.mgr.Restore(context.Background(), info.Name), ErrServerRunning)
	f.running = false

	require.NoError(t, f.mgr.Restore(context.Background(), info.Name))
	b, err := os.ReadFile(filepath.Join(f.src, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hi\n", string(b))
	_, err = os.Stat(filepath.Join(f.src, "world", "new.dat"))
	assert.True(t, os.IsNotExist(err))
	// excluded and backup directories survive
	_, err = os.Stat(filepath.Join(f.src, "logs", "latest.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.src, "backups", info.Name))
	assert.NoError(t, err)
}

func TestRestoreRejectsTamperedArchive(t *testing.T) {
	f := newFixture(t, 0)
	info, err := f.mgr.Create(context.Background(), "")
	require.NoError(t, err)
	path := filepath.Join(f.src, "backups", info.Name)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(b, 0), 0o644))

	assert.ErrorIs(t, f.mgr.Restore(context.Background(), info.Name), ErrCorrupt)
	b, err = os.ReadFile(filepath.Join(f.src, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hi\n", string(b))
}

func TestUntarRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	out, err := os.Create(archive)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())

	target := filepath.Join(dir, "target")
	assert.ErrorIs(t, untarGz(archive, target), ErrCorrupt)
	_, err = os.Stat(filepath.Join(dir, "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteAndNotFound(t *testing.T) {
	f := newFixture(t, 0)
	info, err := f.mgr.Create(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Delete(info.Name))
	assert.ErrorIs(t, f.mgr.Delete(info.Name), ErrNotFound)
	assert.ErrorIs(t, f.mgr.Delete("../x.tar.gz"), ErrInvalidName)
	assert.ErrorIs(t, f.mgr.Restore(context.Background(), "missing.tar.gz"), ErrNotFound)
}

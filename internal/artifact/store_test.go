package artifact

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ftypMP4 is the smallest header mimetype recognises as video/mp4
var ftypMP4 = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2', 0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm'}

func newTestStore(t *testing.T, maxUpload int64) (*Store, string, string) {
	t.Helper()
	base := t.TempDir()
	in := filepath.Join(base, "input")
	out := filepath.Join(base, "output")

	store, err := NewStore(Config{InputDir: in, OutputDir: out, MaxUploadBytes: maxUpload}, logger.NewDiscard())
	require.NoError(t, err)
	return store, in, out
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "clip.mp4", want: "clip.mp4"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\me\my clip.mov`, want: "my_clip.mov"},
		{in: ".hidden.mkv", want: "hidden.mkv"},
		{in: "", want: "upload"},
		{in: "视频.mp4", want: "mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestStore_SaveUpload(t *testing.T) {
	store, in, _ := newTestStore(t, 1024)

	path, err := store.SaveUpload("task-1", "my clip.mp4", bytes.NewReader(ftypMP4))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in, "task-1_my_clip.mp4"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ftypMP4, data)

	// Same client name for another task does not collide
	other, err := store.SaveUpload("task-2", "my clip.mp4", bytes.NewReader(ftypMP4))
	require.NoError(t, err)
	assert.NotEqual(t, path, other)

	entries, err := os.ReadDir(in)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")

	require.NoError(t, store.RemoveUpload(path))
	require.NoError(t, store.RemoveUpload(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_SaveUpload_TooLarge(t *testing.T) {
	store, in, _ := newTestStore(t, 8)

	_, err := store.SaveUpload("task-1", "clip.mp4", strings.NewReader("0123456789"))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(in)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Publish(t *testing.T) {
	store, _, out := newTestStore(t, 0)

	work, err := store.WorkDir("task-1")
	require.NoError(t, err)
	src := filepath.Join(work, "dubbed.MP4")
	require.NoError(t, os.WriteFile(src, ftypMP4, 0o644))

	name, err := store.Publish("task-1", src)
	require.NoError(t, err)
	assert.Equal(t, "task-1.mp4", name)

	_, err = os.Stat(filepath.Join(out, name))
	require.NoError(t, err)

	// Publishing the artifact itself again is idempotent
	again, err := store.Publish("task-1", filepath.Join(out, name))
	require.NoError(t, err)
	assert.Equal(t, name, again)

	// A different file never replaces it
	other := filepath.Join(work, "other.mp4")
	require.NoError(t, os.WriteFile(other, []byte("different"), 0o644))
	_, err = store.Publish("task-1", other)
	assert.ErrorIs(t, err, ErrArtifactExists)

	require.NoError(t, store.CleanWorkDir("task-1"))
	_, err = os.Stat(work)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Publish_MissingOutput(t *testing.T) {
	store, _, _ := newTestStore(t, 0)

	_, err := store.Publish("task-1", filepath.Join(t.TempDir(), "nothing.mp4"))
	assert.ErrorIs(t, err, domain.ErrNoOutput)
}

func TestStore_Publish_DetectsExtension(t *testing.T) {
	store, _, _ := newTestStore(t, 0)

	src := filepath.Join(t.TempDir(), "result")
	require.NoError(t, os.WriteFile(src, ftypMP4, 0o644))

	name, err := store.Publish("task-1", src)
	require.NoError(t, err)
	assert.Equal(t, "task-1.mp4", name)
}

func TestStore_Open(t *testing.T) {
	store, _, out := newTestStore(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(out, "task-1.mp4"), ftypMP4, 0o644))

	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(out, "escape.txt")))

	t.Run("existing artifact", func(t *testing.T) {
		a, err := store.Open("task-1.mp4")
		require.NoError(t, err)
		defer a.Close()

		assert.Equal(t, "video/mp4", a.ContentType)
		assert.Equal(t, int64(len(ftypMP4)), a.Size)

		data, err := io.ReadAll(a)
		require.NoError(t, err)
		assert.Equal(t, ftypMP4, data, "reader rewound after sniffing")
	})

	for _, name := range []string{
		"missing.mp4",
		"../input/task-1_clip.mp4",
		"..",
		"",
		"/etc/passwd",
		`..\task-1.mp4`,
		".work",
		"escape.txt",
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := store.Open(name)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

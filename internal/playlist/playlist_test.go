package playlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlaylist(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIsPlaylistExt(t *testing.T) {
	assert.True(t, IsPlaylistExt(".m3u"))
	assert.True(t, IsPlaylistExt(".M3U8"))
	assert.True(t, IsPlaylistExt(".pls"))
	assert.False(t, IsPlaylistExt(".mp3"))
	assert.False(t, IsPlaylistExt(""))
}

func TestParseM3U(t *testing.T) {
	dir := t.TempDir()
	path := writePlaylist(t, dir, "list.m3u",
		"\ufeff#EXTM3U\n\nsong1.mp3\n#EXTINF:120,Some Title\nsub/song2.wav\n/abs/song3.flac\n")

	got, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "song1.mp3"),
		filepath.Join(dir, "sub", "song2.wav"),
		filepath.Clean("/abs/song3.flac"),
	}, got)
}

func TestParsePLS(t *testing.T) {
	dir := t.TempDir()
	path := writePlaylist(t, dir, "list.pls",
		"[playlist]\n file1 = one.flac \nTitle1=One\nLength1=120\nFile2=two.ogg\nFileX=bad.mp3\nFile3=\nNumberOfEntries=3\n")

	got, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "one.flac"),
		filepath.Join(dir, "two.ogg"),
	}, got)
}

func TestParseRejectsUnknownExtension(t *testing.T) {
	_, err := Parse("tracks.txt")
	assert.Error(t, err)
}

func TestParseRejectsBinaryGarbage(t *testing.T) {
	dir := t.TempDir()
	path := writePlaylist(t, dir, "list.m3u", "\xff\xfe\x00bad")

	_, err := Parse(path)
	assert.Error(t, err)
}

func TestFilterPlayable(t *testing.T) {
	dir := t.TempDir()
	valid := writePlaylist(t, dir, "ok.mp3", "x")
	writePlaylist(t, dir, "nope.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.mp3"), 0o755))

	got := FilterPlayable([]string{
		valid,
		filepath.Join(dir, "nope.txt"),
		filepath.Join(dir, "folder.mp3"),
		filepath.Join(dir, "missing.flac"),
	})
	require.Len(t, got, 1)
	assert.Equal(t, valid, got[0])
}

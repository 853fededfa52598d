package homemedia

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckHashes(t *testing.T) {
	client := NewClient([]File{
		{InfoHash: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Path: "shows/Some.Show.S02E05.mkv", Size: 1 << 30},
		{InfoHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Path: "movies/Some.Movie.2019.mkv", Size: 2 << 30},
	})
	require.Equal(t, "homemedia", client.ID())

	cached, err := client.CheckHashes(context.Background(), []string{
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		"cccccccccccccccccccccccccccccccccccccccc",
	})
	require.NoError(t, err)
	require.Len(t, cached, 2)
	require.Contains(t, cached, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.Contains(t, cached, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	file, found := client.File("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.True(t, found)
	require.Equal(t, "shows/Some.Show.S02E05.mkv", file.Path)
	_, found = client.File("cccccccccccccccccccccccccccccccccccccccc")
	require.False(t, found)
}

package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
)

func TestTorrentioSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream/series/tt0000001:2:5.json", r.URL.Path)
		w.Write([]byte(`{"streams":[
			{"infoHash":"0123456789ABCDEF0123456789ABCDEF01234567",
			 "title":"Some.Show.S02E05.1080p.WEB-DL.x265\n👤 42 💾 1.52 GB ⚙️ ThePirateBay"},
			{"infoHash":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			 "title":"Some.Show.S02E05.720p.HDTV\n👤 7 💾 350 MB ⚙️ 1337x"},
			{"title":"No.Hash.Entry.1080p"}
		]}`))
	}))
	defer server.Close()

	pool := httpclient.NewPool(httpclient.DefaultPoolOpts, nil, zap.NewNop())
	defer pool.Close()
	client := NewTorrentioClient(NewTorrentioOpts(server.URL, ""), pool, zap.NewNop())

	candidates, err := client.Search(context.Background(), Query{
		Type:    "series",
		IMDBID:  "tt0000001",
		Season:  2,
		Episode: 5,
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	require.Equal(t, "0123456789abcdef0123456789abcdef01234567", candidates[0].InfoHash)
	require.Equal(t, "Some.Show.S02E05.1080p.WEB-DL.x265", candidates[0].Title)
	require.Equal(t, 42, candidates[0].Seeders)
	wantSize, err := strconv.ParseFloat("1.52", 64)
	require.NoError(t, err)
	require.Equal(t, int64(wantSize*1024*1024*1024), candidates[0].Size)
	require.Equal(t, "ThePirateBay", candidates[0].Tracker)

	require.Equal(t, int64(350*1024*1024), candidates[1].Size)
	require.Equal(t, "1337x", candidates[1].Tracker)
}

func TestTorrentioSearchBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	pool := httpclient.NewPool(httpclient.DefaultPoolOpts, nil, zap.NewNop())
	defer pool.Close()
	client := NewTorrentioClient(NewTorrentioOpts(server.URL, ""), pool, zap.NewNop())

	_, err := client.Search(context.Background(), Query{Type: "movie", IMDBID: "tt0000001"})
	require.Error(t, err)
}

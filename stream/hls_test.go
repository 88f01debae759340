package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.0,
seg0.ts
#EXTINF:2.0,
seg1.ts
`

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720
high/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=640000,RESOLUTION=640x360
low/index.m3u8
`

func manifestServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchManifest(t *testing.T) {
	ctx := context.Background()

	t.Run("media playlist", func(t *testing.T) {
		srv, _ := manifestServer(t, mediaPlaylist)
		info, err := fetchManifest(ctx, srv.Client(), srv.URL+"/live.m3u8")
		require.NoError(t, err)
		assert.False(t, info.Master)
		assert.Equal(t, 2, info.Segments)
		assert.True(t, info.Live)
	})

	t.Run("master playlist", func(t *testing.T) {
		srv, _ := manifestServer(t, masterPlaylist)
		info, err := fetchManifest(ctx, srv.Client(), srv.URL+"/master.m3u8")
		require.NoError(t, err)
		assert.True(t, info.Master)
		assert.Equal(t, 2, info.Variants)
	})

	t.Run("not a playlist", func(t *testing.T) {
		srv, _ := manifestServer(t, "<html>login required</html>")
		_, err := fetchManifest(ctx, srv.Client(), srv.URL+"/live.m3u8")
		assert.ErrorIs(t, err, ErrDecodeUnsupported)
	})

	t.Run("upstream error is network class", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		_, err := fetchManifest(ctx, srv.Client(), srv.URL+"/live.m3u8")
		assert.ErrorIs(t, err, ErrReadNetwork)
		_, classified := KindOf(err)
		assert.False(t, classified)
	})
}

func hlsAdapter(t *testing.T, opener *fakeOpener, manifestURL string) *Adapter {
	t.Helper()
	a := NewAdapter("hls", Source{Kind: KindHLS, URL: manifestURL}, opener, testOptions())
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func TestHLS_ReloadsOnNetworkErrors(t *testing.T) {
	srv, hits := manifestServer(t, mediaPlaylist)

	var opens atomic.Int32
	opener := &fakeOpener{next: func() *scriptedCapture {
		if opens.Add(1) == 1 {
			return &scriptedCapture{script: []error{nil, ErrReadNetwork}}
		}
		return &scriptedCapture{script: []error{ErrReadNetwork}}
	}}
	a := hlsAdapter(t, opener, srv.URL+"/live.m3u8")

	require.NoError(t, a.Start(context.Background()))
	assert.Eventually(t, func() bool { return a.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, a.Err(), ErrStreamFatal)
	assert.ErrorIs(t, a.Err(), ErrReadNetwork)
	assert.Equal(t, 1+DefaultMaxRetries, opener.openCount(), "initial open plus three reloads")
	assert.Equal(t, int32(1+DefaultMaxRetries), hits.Load(), "every reload re-fetches the manifest")
	for _, c := range opener.captures {
		assert.True(t, c.closed.Load())
	}
}

func TestHLS_RecoversInPlaceOnDecodeErrors(t *testing.T) {
	srv, _ := manifestServer(t, mediaPlaylist)

	t.Run("gives up after three recoveries", func(t *testing.T) {
		opener := &fakeOpener{next: func() *scriptedCapture {
			return &scriptedCapture{script: []error{nil, ErrReadDecode, ErrReadDecode, ErrReadDecode, ErrReadDecode}}
		}}
		a := hlsAdapter(t, opener, srv.URL+"/live.m3u8")

		require.NoError(t, a.Start(context.Background()))
		assert.Eventually(t, func() bool { return a.Err() != nil }, 2*time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, a.Err(), ErrStreamFatal)
		assert.ErrorIs(t, a.Err(), ErrReadDecode)
		assert.Equal(t, 1, opener.openCount(), "decode recovery never reopens")
	})

	t.Run("a good frame resets the budget", func(t *testing.T) {
		d := ErrReadDecode
		opener := &fakeOpener{next: func() *scriptedCapture {
			return &scriptedCapture{script: []error{nil, d, d, d, nil, d, d, d, nil}}
		}}
		a := hlsAdapter(t, opener, srv.URL+"/live.m3u8")

		require.NoError(t, a.Start(context.Background()))
		assert.Eventually(t, func() bool {
			f, ok := a.Frame()
			return ok && f.Seq >= 5
		}, 2*time.Second, 5*time.Millisecond)
		assert.NoError(t, a.Err())
		assert.True(t, a.Active())
	})
}

func TestHLS_UnparseableManifestFailsStart(t *testing.T) {
	srv, _ := manifestServer(t, "this is not a playlist")
	opener := &fakeOpener{}
	a := hlsAdapter(t, opener, srv.URL+"/live.m3u8")

	err := a.Start(context.Background())
	assert.ErrorIs(t, err, ErrDecodeUnsupported)
	assert.Zero(t, opener.openCount(), "decoder is never opened")
}

func TestHLS_ManifestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opener := &fakeOpener{}
	a := hlsAdapter(t, opener, srv.URL+"/live.m3u8")

	err := a.Start(context.Background())
	assert.ErrorIs(t, err, ErrStreamFatal)
	assert.Zero(t, opener.openCount())
}

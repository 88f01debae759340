package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/footfallbackend/metrics"
)

func proxyRequest(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	path := "/proxy"
	if target != "" {
		path += "?url=" + url.QueryEscape(target)
	}
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Errors, 1)
	return resp.Errors[0]
}

func TestProxy_ForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "ptz=left", string(body))
		assert.Equal(t, "yes", r.Header.Get("X-Camera-Token"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"), "hop-by-hop headers are stripped")

		w.Header().Set("X-Upstream", "cam-1")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("moved"))
	}))
	defer upstream.Close()

	m := metrics.New()
	h := &ProxyHandler{Client: upstream.Client(), Metrics: m}

	req := httptest.NewRequest(http.MethodPost, "/proxy?url="+url.QueryEscape(upstream.URL+"/ptz"), strings.NewReader("ptz=left"))
	req.Header.Set("X-Camera-Token", "yes")
	req.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "moved", rec.Body.String())
	assert.Equal(t, "cam-1", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, uint64(1), m.ProxyRequests.Load())
	assert.Zero(t, m.ProxyErrors.Load())
}

func TestProxy_ManifestContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nseg0.ts\n#EXT-X-ENDLIST\n"))
	}))
	defer upstream.Close()

	h := &ProxyHandler{Client: upstream.Client()}
	rec := proxyRequest(t, h, http.MethodGet, upstream.URL+"/live/index.m3u8", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ManifestContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "/proxy?url="+url.QueryEscape(upstream.URL+"/live/seg0.ts"))
}

func TestProxy_Errors(t *testing.T) {
	m := metrics.New()
	h := &ProxyHandler{Metrics: m}

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"missing url", "", http.StatusBadRequest, "missing_url"},
		{"unparseable", "http://[::1", http.StatusBadRequest, "invalid_url"},
		{"wrong scheme", "ftp://cam.local/video", http.StatusBadRequest, "invalid_url"},
		{"no host", "http:///video", http.StatusBadRequest, "invalid_url"},
		{"upstream down", "http://127.0.0.1:1/video.mjpg", http.StatusInternalServerError, "upstream_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := proxyRequest(t, h, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeAPIError(t, rec).Code)
		})
	}
	assert.Equal(t, uint64(len(tests)), m.ProxyErrors.Load())
}

func TestProxy_UpstreamTimeouts(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/silent" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		// headers arrive at once, the body trickles in past the header deadline
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("--frame\r\n"))
			w.(http.Flusher).Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer upstream.Close()
	defer close(release)

	m := metrics.New()
	h := &ProxyHandler{Client: NewProxyClient(time.Second, 50*time.Millisecond), Metrics: m}

	t.Run("no response headers", func(t *testing.T) {
		start := time.Now()
		rec := proxyRequest(t, h, http.MethodGet, upstream.URL+"/silent", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "upstream_failed", decodeAPIError(t, rec).Code)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("slow body is not cut", func(t *testing.T) {
		rec := proxyRequest(t, h, http.MethodGet, upstream.URL+"/video.mjpg", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, strings.Repeat("--frame\r\n", 3), rec.Body.String())
	})

	assert.Equal(t, uint64(1), m.ProxyErrors.Load())
}

func TestRewriteManifest(t *testing.T) {
	base, err := url.Parse("http://cam.local/hls/live.m3u8?token=abc")
	require.NoError(t, err)

	in := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin"`,
		"#EXT-X-CUSTOM-TAG:kept",
		"#EXTINF:2.0,",
		"seg0.ts",
		"",
		"#EXTINF:2.0,",
		"https://cdn.example.com/seg1.ts",
		"#EXTINF:2.0,",
		"data:video/mp2t;base64,AAAA",
	}, "\n")

	out := string(RewriteManifest([]byte(in), base, "/proxy"))
	lines := strings.Split(out, "\n")

	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, `#EXT-X-KEY:METHOD=AES-128,URI="/proxy?url=`+url.QueryEscape("http://cam.local/hls/keys/k1.bin")+`"`, lines[1])
	assert.Equal(t, "#EXT-X-CUSTOM-TAG:kept", lines[2])
	assert.Equal(t, "/proxy?url="+url.QueryEscape("http://cam.local/hls/seg0.ts"), lines[4])
	assert.Equal(t, "", lines[5])
	assert.Equal(t, "/proxy?url="+url.QueryEscape("https://cdn.example.com/seg1.ts"), lines[7])
	assert.Equal(t, "data:video/mp2t;base64,AAAA", lines[9], "non-http references are left alone")
}

package handlers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/camden-git/footfallbackend/metrics"
)

// ManifestContentType is forced onto responses for .m3u8 targets.
const ManifestContentType = "application/vnd.apple.mpegurl"

const maxManifestBytes = 4 << 20

// Upstream deadlines. Bodies have none so MJPEG streams can run indefinitely.
const (
	DefaultProxyDialTimeout   = 10 * time.Second
	DefaultProxyHeaderTimeout = 15 * time.Second
)

var defaultProxyClient = NewProxyClient(DefaultProxyDialTimeout, DefaultProxyHeaderTimeout)

// Hop-by-hop headers are meaningful only for a single connection and are
// not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPDoer sends upstream requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewProxyClient returns a client that gives up on upstreams that do not
// connect within dial or do not send response headers within header.
func NewProxyClient(dial, header time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   dial,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = dial
	transport.ResponseHeaderTimeout = header
	return &http.Client{Transport: transport}
}

// ProxyHandler forwards ?url=<target> requests so plain-http cameras are
// reachable from the same origin as the API.
type ProxyHandler struct {
	Client  HTTPDoer
	Metrics *metrics.Metrics
}

func (ph *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		ph.Metrics.IncProxy(true)
		WriteAPIError(w, http.StatusBadRequest, "missing_url", "The url query parameter is required")
		return
	}
	target, err := parseTarget(raw)
	if err != nil {
		ph.Metrics.IncProxy(true)
		WriteAPIError(w, http.StatusBadRequest, "invalid_url", err.Error())
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		ph.Metrics.IncProxy(true)
		WriteAPIError(w, http.StatusBadRequest, "invalid_url", err.Error())
		return
	}
	outReq.ContentLength = r.ContentLength
	copyHeaders(outReq.Header, r.Header)
	removeHopHeaders(outReq.Header)
	outReq.Header.Del("Origin")

	client := ph.Client
	if client == nil {
		client = defaultProxyClient
	}
	resp, err := client.Do(outReq)
	if err != nil {
		ph.Metrics.IncProxy(true)
		log.Printf("proxy: upstream request to %s failed: %v", target.Redacted(), err)
		WriteAPIError(w, http.StatusInternalServerError, "upstream_failed", "Upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()
	ph.Metrics.IncProxy(false)

	removeHopHeaders(resp.Header)
	if !isManifest(target) {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		streamBody(w, resp.Body)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		log.Printf("proxy: reading manifest %s failed: %v", target.Redacted(), err)
		WriteAPIError(w, http.StatusInternalServerError, "upstream_failed", "Reading upstream manifest failed")
		return
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body = RewriteManifest(body, target, r.URL.Path)
	}
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", ManifestContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Del("Content-Encoding")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("target url has no host")
	}
	return u, nil
}

func isManifest(u *url.URL) bool {
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// streamBody copies the upstream body, flushing as it goes so MJPEG
// streams reach the client frame by frame.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("proxy: upstream body read ended: %v", err)
			}
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	// headers named in Connection are hop-by-hop too
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// RewriteManifest points every URI in an HLS playlist back through the
// proxy mounted at proxyPath. Relative URIs are resolved against base
// first. Lines are rewritten in place so tags the proxy does not know
// about survive untouched.
func RewriteManifest(body []byte, base *url.URL, proxyPath string) []byte {
	via := func(ref string) string {
		u, err := base.Parse(strings.TrimSpace(ref))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return ref
		}
		return proxyPath + "?url=" + url.QueryEscape(u.String())
	}

	var out bytes.Buffer
	out.Grow(len(body) + len(body)/2)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), maxManifestBytes)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
			line = uriAttr.ReplaceAllStringFunc(line, func(m string) string {
				ref := uriAttr.FindStringSubmatch(m)[1]
				return `URI="` + via(ref) + `"`
			})
		default:
			line = via(trimmed)
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		log.Printf("proxy: manifest rewrite stopped early: %v", err)
		return body
	}
	return out.Bytes()
}

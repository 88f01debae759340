package stream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/grafov/m3u8"
)

// maxManifestBytes caps how much of a manifest the preflight reads.
const maxManifestBytes = 4 << 20

// ManifestInfo summarises a fetched HLS manifest.
type ManifestInfo struct {
	Master   bool
	Variants int
	Segments int
	Live     bool
}

// fetchManifest downloads and parses the manifest at u. Transport failures
// and non-2xx answers are returned unclassified so the caller may reload;
// a body that is not a playlist is DecodeUnsupported.
func fetchManifest(ctx context.Context, client *http.Client, u string) (ManifestInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ManifestInfo{}, newError(InvalidSource, "manifest", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ManifestInfo{}, fmt.Errorf("fetch manifest: %w: %w", ErrReadNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ManifestInfo{}, fmt.Errorf("fetch manifest: %w: upstream returned %s", ErrReadNetwork, resp.Status)
	}

	playlist, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, maxManifestBytes), false)
	if err != nil {
		return ManifestInfo{}, newError(DecodeUnsupported, "manifest", err)
	}

	var info ManifestInfo
	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		info.Master = true
		info.Variants = len(master.Variants)
		if info.Variants == 0 {
			return ManifestInfo{}, newError(DecodeUnsupported, "manifest", fmt.Errorf("master playlist has no variants"))
		}
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		info.Segments = int(media.Count())
		info.Live = !media.Closed
	}
	return info, nil
}

// hlsOpen preflights the manifest before every open, so reloads notice a
// manifest that went away.
func hlsOpen(name string, client *http.Client, opener Opener, u string) func(ctx context.Context) (VideoCapture, error) {
	return func(ctx context.Context) (VideoCapture, error) {
		info, err := fetchManifest(ctx, client, u)
		if err != nil {
			return nil, err
		}
		if info.Master {
			log.Printf("stream(%s): master playlist with %d variant(s)", name, info.Variants)
		} else {
			log.Printf("stream(%s): media playlist with %d segment(s), live=%t", name, info.Segments, info.Live)
		}

		capture, err := opener.OpenURL(u)
		if err != nil {
			return nil, fmt.Errorf("open hls stream: %w", err)
		}
		return capture, nil
	}
}

package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Descriptor
		want Kind
	}{
		{"webcam", Descriptor{Type: "webcam"}, KindWebcam},
		{"webcam upper case", Descriptor{Type: "WEBCAM", Device: 2}, KindWebcam},
		{"file path", Descriptor{Type: "file", URL: "/srv/videos/entrance.mp4"}, KindFile},
		{"direct mp4", Descriptor{Type: "ip", URL: "http://10.0.0.5/clip.mp4"}, KindIPHTTP},
		{"rtsp", Descriptor{Type: "ip", URL: "rtsp://10.0.0.5:554/live"}, KindIPHTTP},
		{"hls", Descriptor{Type: "ip", URL: "https://cdn.example.com/live/index.m3u8"}, KindHLS},
		{"hls with query", Descriptor{Type: "ip", URL: "http://cam.local/Stream.M3U8?token=abc"}, KindHLS},
		{"mjpg", Descriptor{Type: "ip", URL: "http://10.0.0.7/video.mjpg"}, KindMJPEG},
		{"mjpeg cgi", Descriptor{Type: "ip", URL: "http://10.0.0.7/cgi-bin/MJPEG.cgi"}, KindMJPEG},
		{"hls wins over mjpeg", Descriptor{Type: "ip", URL: "http://10.0.0.7/mjpeg/index.m3u8"}, KindHLS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Classify(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, src.Kind)
		})
	}

	t.Run("webcam keeps device", func(t *testing.T) {
		src, err := Classify(Descriptor{Type: "webcam", Device: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, src.Device)
		assert.Equal(t, "webcam:2", src.String())
	})
}

func TestClassifyInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   Descriptor
	}{
		{"unknown type", Descriptor{Type: "satellite", URL: "http://x"}},
		{"empty type", Descriptor{}},
		{"file without url", Descriptor{Type: "file"}},
		{"ip without url", Descriptor{Type: "ip"}},
		{"ip without scheme", Descriptor{Type: "ip", URL: "10.0.0.5/stream.mjpg"}},
		{"ip without host", Descriptor{Type: "ip", URL: "http:///stream.mjpg"}},
		{"ip unparseable", Descriptor{Type: "ip", URL: "http://[::1"}},
		{"negative device", Descriptor{Type: "webcam", Device: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSource)
			kind, ok := KindOf(err)
			assert.True(t, ok)
			assert.Equal(t, InvalidSource, kind)
		})
	}
}

func TestSourceViaProxy(t *testing.T) {
	const base = "http://127.0.0.1:8080/proxy"

	src, err := Classify(Descriptor{Type: "ip", URL: "http://10.0.0.7/video.mjpg?res=hi"})
	require.NoError(t, err)

	proxied := src.ViaProxy(base)
	assert.Equal(t, KindMJPEG, proxied.Kind, "classification happens before the rewrite")
	assert.Equal(t, "http://127.0.0.1:8080/proxy?url=http%3A%2F%2F10.0.0.7%2Fvideo.mjpg%3Fres%3Dhi", proxied.URL)
	assert.Equal(t, "http://10.0.0.7/video.mjpg?res=hi", proxied.Origin)

	t.Run("https is left alone", func(t *testing.T) {
		s, err := Classify(Descriptor{Type: "ip", URL: "https://cdn.example.com/live.m3u8"})
		require.NoError(t, err)
		assert.Equal(t, s, s.ViaProxy(base))
	})

	t.Run("non-network sources are left alone", func(t *testing.T) {
		s, err := Classify(Descriptor{Type: "file", URL: "http://10.0.0.5/clip.mp4"})
		require.NoError(t, err)
		assert.Equal(t, s, s.ViaProxy(base))
	})

	t.Run("empty base disables the rewrite", func(t *testing.T) {
		assert.Equal(t, src, src.ViaProxy(""))
	})
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")
	err := error(newError(StreamFatal, "read", cause))

	assert.ErrorIs(t, err, ErrStreamFatal)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDecodeUnsupported)
	assert.Equal(t, "stream read: stream fatal: boom", err.Error())

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read", se.Op)
	assert.Equal(t, "StreamFatal", se.Kind.String())

	_, ok := KindOf(cause)
	assert.False(t, ok)
}

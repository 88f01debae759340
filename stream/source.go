package stream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Descriptor types accepted from source selection.
const (
	TypeWebcam = "webcam"
	TypeFile   = "file"
	TypeIP     = "ip"
)

// Kind is the protocol variant of a classified source.
type Kind int

const (
	KindWebcam Kind = iota + 1
	KindFile
	KindIPHTTP
	KindHLS
	KindMJPEG
)

var kindNames = map[Kind]string{
	KindWebcam: "webcam",
	KindFile:   "file",
	KindIPHTTP: "ip-http",
	KindHLS:    "ip-hls",
	KindMJPEG:  "ip-mjpeg",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown source kind %q", text)
}

// Descriptor is the unclassified source selection input.
type Descriptor struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	Device int    `json:"device,omitempty"`
}

// Source is a classified stream source.
type Source struct {
	Kind   Kind   `json:"kind"`
	URL    string `json:"url,omitempty"`
	Device int    `json:"device"`
	// Origin is the URL as selected, before any proxy rewrite
	Origin string `json:"origin,omitempty"`
}

// Classify turns a descriptor into a Source.
//
// ip URLs are classified by substring, checked in order against the
// lower-cased URL:
//
//	".m3u8"          -> KindHLS
//	"mjpg", "mjpeg"  -> KindMJPEG
//	anything else    -> KindIPHTTP (opened as a direct stream)
//
// The URL must carry a scheme and a host.
func Classify(d Descriptor) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case TypeWebcam:
		if d.Device < 0 {
			return Source{}, newError(InvalidSource, "classify", fmt.Errorf("negative device index %d", d.Device))
		}
		return Source{Kind: KindWebcam, Device: d.Device}, nil

	case TypeFile:
		u := strings.TrimSpace(d.URL)
		if u == "" {
			return Source{}, newError(InvalidSource, "classify", errors.New("file source requires a url"))
		}
		return Source{Kind: KindFile, URL: u, Origin: u}, nil

	case TypeIP:
		u := strings.TrimSpace(d.URL)
		if u == "" {
			return Source{}, newError(InvalidSource, "classify", errors.New("ip source requires a url"))
		}
		parsed, err := url.Parse(u)
		if err != nil {
			return Source{}, newError(InvalidSource, "classify", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return Source{}, newError(InvalidSource, "classify", fmt.Errorf("url %q needs a scheme and host", u))
		}
		return Source{Kind: classifyURL(u), URL: u, Origin: u}, nil

	default:
		return Source{}, newError(InvalidSource, "classify", fmt.Errorf("unknown source type %q", d.Type))
	}
}

func classifyURL(u string) Kind {
	lower := strings.ToLower(u)
	switch {
	case strings.Contains(lower, ".m3u8"):
		return KindHLS
	case strings.Contains(lower, "mjpg"), strings.Contains(lower, "mjpeg"):
		return KindMJPEG
	default:
		return KindIPHTTP
	}
}

// IsNetwork reports whether the source is fetched over the network.
func (s Source) IsNetwork() bool {
	switch s.Kind {
	case KindIPHTTP, KindHLS, KindMJPEG:
		return true
	}
	return false
}

// ViaProxy routes a plain-http network source through the ingress proxy
// at base. Other sources, and an empty base, are returned unchanged.
func (s Source) ViaProxy(base string) Source {
	if base == "" || !s.IsNetwork() || !strings.HasPrefix(strings.ToLower(s.URL), "http://") {
		return s
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	s.URL = base + sep + "url=" + url.QueryEscape(s.URL)
	return s
}

// String describes the source for logs and status output.
func (s Source) String() string {
	if s.Kind == KindWebcam {
		return fmt.Sprintf("%s:%d", s.Kind, s.Device)
	}
	if s.Origin != "" {
		return fmt.Sprintf("%s:%s", s.Kind, s.Origin)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.URL)
}

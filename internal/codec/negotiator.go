package codec

import (
	"fmt"
	"mime"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Negotiator maps media types to codecs. It is immutable after construction
// and safe for concurrent use.
type Negotiator struct {
	byType      map[string]Codec
	order       []Codec
	defaultType string
	def         Codec
}

// NewNegotiator registers codecs in order and resolves the default media
// type. A default without a registered codec is a configuration error.
func NewNegotiator(defaultType string, codecs ...Codec) (*Negotiator, error) {
	n := &Negotiator{byType: make(map[string]Codec)}

	for _, c := range codecs {
		if c == nil || len(c.MediaTypes()) == 0 {
			return nil, fmt.Errorf("codec %T registers no media types", c)
		}
		n.order = append(n.order, c)
		for _, mt := range c.MediaTypes() {
			mt = strings.ToLower(mt)
			if _, dup := n.byType[mt]; !dup {
				n.byType[mt] = c
			}
		}
	}

	base, err := baseType(defaultType)
	if err != nil {
		return nil, fmt.Errorf("default content type %q: %w", defaultType, err)
	}
	def, ok := n.byType[base]
	if !ok {
		return nil, fmt.Errorf("default content type %q has no registered codec", defaultType)
	}
	n.defaultType = base
	n.def = def
	return n, nil
}

// Default returns a negotiator over the built-in codecs.
func Default(defaultType string) (*Negotiator, error) {
	return NewNegotiator(defaultType, Builtin()...)
}

// DefaultType returns the normalized default media type.
func (n *Negotiator) DefaultType() string {
	return n.defaultType
}

// DefaultCodec returns the codec for the default media type.
func (n *Negotiator) DefaultCodec() Codec {
	return n.def
}

// MediaTypes returns every registered media type, sorted.
func (n *Negotiator) MediaTypes() []string {
	out := make([]string, 0, len(n.byType))
	for mt := range n.byType {
		out = append(out, mt)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the codec registered for a media type.
func (n *Negotiator) Lookup(mediaType string) (Codec, bool) {
	base, err := baseType(mediaType)
	if err != nil {
		return nil, false
	}
	c, ok := n.byType[base]
	return c, ok
}

// SelectDecoder picks the decoder for a Content-Type header. Unmatched
// headers fall back to the default codec. Without a header the body is
// sniffed, and only a registered structured type other than text overrides
// the default.
func (n *Negotiator) SelectDecoder(contentType string, body []byte) Decoder {
	if strings.TrimSpace(contentType) == "" {
		if len(body) > 0 {
			if c, ok := n.Lookup(mimetype.Detect(body).String()); ok && !isText(c) {
				return c
			}
		}
		return n.def
	}
	if c, ok := n.Lookup(contentType); ok {
		return c
	}
	return n.def
}

func isText(c Codec) bool {
	return strings.HasPrefix(strings.ToLower(c.MediaTypes()[0]), "text/")
}

// SelectEncoder picks the encoder for an Accept header, honoring q-values.
// Unmatched or missing headers fall back to the default codec.
func (n *Negotiator) SelectEncoder(accept string) Encoder {
	for _, r := range parseAccept(accept) {
		switch {
		case r.mediaType == "*/*":
			return n.def
		case strings.HasSuffix(r.mediaType, "/*"):
			prefix := strings.TrimSuffix(r.mediaType, "*")
			if strings.HasPrefix(n.defaultType, prefix) {
				return n.def
			}
			for _, c := range n.order {
				if strings.HasPrefix(c.MediaTypes()[0], prefix) {
					return c
				}
			}
		default:
			if c, ok := n.byType[r.mediaType]; ok {
				return c
			}
		}
	}
	return n.def
}

type acceptRange struct {
	mediaType string
	q         float64
}

// parseAccept returns acceptable ranges sorted by descending q, keeping
// header order for ties. Ranges with q=0 are dropped.
func parseAccept(header string) []acceptRange {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var out []acceptRange
	for _, part := range strings.Split(header, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				q = parsed
			}
		}
		if q <= 0 {
			continue
		}
		out = append(out, acceptRange{mediaType: strings.ToLower(mt), q: q})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].q > out[j].q })
	return out
}

func baseType(mediaType string) (string, error) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(mediaType))
	if err != nil {
		return "", err
	}
	return strings.ToLower(mt), nil
}

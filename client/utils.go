package client

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNoMetadata is returned when a PNG carries no entry for the requested key.
var ErrNoMetadata = errors.New("png has no metadata for key")

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// maxTextChunk bounds a single tEXt chunk; larger chunks are skipped.
const maxTextChunk = 8 << 20

// pngTextChunks collects the tEXt keyword/value pairs of a PNG stream,
// stopping at IEND.
func pngTextChunks(r io.Reader) (map[string]string, error) {
	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("read png signature: %w", err)
	}
	if !bytes.Equal(sig, pngSignature) {
		return nil, errors.New("not a png file")
	}

	retv := make(map[string]string)
	var head [8]byte
	for {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return retv, nil
			}
			return nil, fmt.Errorf("read png chunk header: %w", err)
		}
		length := int64(binary.BigEndian.Uint32(head[:4]))
		kind := string(head[4:])

		if kind == "tEXt" && length <= maxTextChunk {
			data := make([]byte, length)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("read tEXt chunk: %w", err)
			}
			keyword, value, ok := bytes.Cut(data, []byte{0})
			if !ok {
				return nil, errors.New("malformed tEXt chunk")
			}
			retv[string(keyword)] = string(value)
		} else if _, err := io.CopyN(io.Discard, r, length); err != nil {
			return nil, fmt.Errorf("skip %s chunk: %w", kind, err)
		}

		// crc
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return nil, fmt.Errorf("read png crc: %w", err)
		}
		if kind == "IEND" {
			return retv, nil
		}
	}
}

// ArtifactMetadata is the job summary embedded in saved images via extra_pnginfo.
type ArtifactMetadata struct {
	Model  string `json:"model"`
	Mode   string `json:"mode"`
	Seed   int64  `json:"seed"`
	Prompt string `json:"prompt"`
}

// ReadArtifactMetadata decodes the JSON text chunk stored under key.
func ReadArtifactMetadata(r io.Reader, key string) (*ArtifactMetadata, error) {
	chunks, err := pngTextChunks(r)
	if err != nil {
		return nil, err
	}
	raw, ok := chunks[key]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoMetadata, key)
	}
	retv := &ArtifactMetadata{}
	if err := json.Unmarshal([]byte(raw), retv); err != nil {
		return nil, fmt.Errorf("decoding %q metadata: %w", key, err)
	}
	return retv, nil
}

package connection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// MaxFrameSize caps an inflated frame.
const MaxFrameSize = 8 << 20

// frameEnvelope is the minimum every inbound frame carries.
type frameEnvelope struct {
	Type string `json:"type"`
}

// decodeFrame returns the frame type and the JSON payload. Gzip-compressed
// binary frames are inflated first. Errors wrap ErrMalformedFrame.
func decodeFrame(data []byte) (string, json.RawMessage, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		inflated, err := gunzip(data, MaxFrameSize)
		if err != nil {
			return "", nil, fmt.Errorf("%w: gzip: %v", ErrMalformedFrame, err)
		}
		data = inflated
	}

	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return env.Type, json.RawMessage(data), nil
}

func gunzip(data []byte, limit int64) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("inflated frame exceeds %d bytes", limit)
	}
	return out, nil
}

package tunnel

import (
	"bytes"
	"io"
)

// PreviewSize is how much of a body the handlers keep for logging.
const PreviewSize = 128

// TeeReadCloser copies up to a limit of what is read into a preview buffer.
type TeeReadCloser struct {
	readCloser io.ReadCloser
	preview    *bytes.Buffer
	remaining  int
}

func NewTeeReadCloser(readCloser io.ReadCloser, max int) *TeeReadCloser {
	return &TeeReadCloser{
		readCloser: readCloser,
		preview:    &bytes.Buffer{},
		remaining:  max,
	}
}

func (trc *TeeReadCloser) Read(p []byte) (int, error) {
	n, err := trc.readCloser.Read(p)

	if keep := min(n, trc.remaining); keep > 0 {
		trc.preview.Write(p[:keep])
		trc.remaining -= keep
	}

	return n, err
}

func (trc *TeeReadCloser) Close() error {
	return trc.readCloser.Close()
}

// Preview returns the bytes read so far, up to the limit. A nil
// TeeReadCloser previews nothing.
func (trc *TeeReadCloser) Preview() string {
	if trc == nil {
		return ""
	}
	return trc.preview.String()
}

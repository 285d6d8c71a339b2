package handlers

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/transcode"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/util"
)

// httpSink streams a transcode to an HTTP response. Headers are written by
// Start, so errors returned before it can still become a status code.
type httpSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	written int64
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w)}
}

// Start sends the download headers. A negative size means the output is
// still growing and the body is sent chunked.
func (s *httpSink) Start(filename string, size int64) error {
	if s.started {
		return fmt.Errorf("download already started")
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "video/mp4")
	h.Set("Content-Disposition", contentDisposition(filename))
	h.Set("Cache-Control", "no-store")
	if size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	s.w.WriteHeader(http.StatusOK)
	return nil
}

// Write sends p and flushes it to the client.
func (s *httpSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && err != http.ErrNotSupported { //nolint:errorlint // sentinel from ResponseController
		return n, err
	}
	return n, nil
}

// Abort expires the connection's write deadline so a Write blocked on a
// stalled client returns.
func (s *httpSink) Abort() {
	_ = s.rc.SetWriteDeadline(time.Now())
}

// contentDisposition builds an attachment header with an ASCII name and,
// when the name had to be changed, the original as an RFC 5987 parameter.
func contentDisposition(filename string) string {
	if filename == "" {
		filename = "download.mp4"
	}
	ext := path.Ext(filename)
	fallback := util.SafeFilename(strings.TrimSuffix(filename, ext), ext)
	header := mime.FormatMediaType("attachment", map[string]string{"filename": fallback})
	if fallback == filename {
		return header
	}
	return header + "; filename*=UTF-8''" + url.PathEscape(filename)
}

var (
	_ transcode.Sink    = (*httpSink)(nil)
	_ transcode.Aborter = (*httpSink)(nil)
)

package rastertile

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Default read-ahead buffer size (64KB). TIFF headers and IFDs sit close
// together, so a single fetch usually covers all metadata reads.
const defaultReadAheadSize = 64 * 1024

// HTTPRangeReader implements io.ReadSeeker over HTTP range requests, with a
// read-ahead buffer for sequential access.
type HTTPRangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64

	mu  sync.Mutex
	pos int64

	buffer        []byte
	bufferStart   int64 // file offset of buffer[0]
	readAheadSize int
}

func defaultHTTPClient() *fasthttp.Client {
	return &fasthttp.Client{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewHTTPRangeReader issues a HEAD request to learn the object size. Servers
// that do not report a length are rejected, since TIFF access needs seeking.
func NewHTTPRangeReader(url string, client *fasthttp.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = defaultHTTPClient()
	}
	rr := &HTTPRangeReader{
		url:           url,
		client:        client,
		readAheadSize: defaultReadAheadSize,
	}

	size, err := rr.headSize()
	if err != nil {
		return nil, err
	}
	rr.size = size
	return rr, nil
}

func (rr *HTTPRangeReader) headSize() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodHead)

	if err := rr.client.Do(req, resp); err != nil {
		return 0, fmt.Errorf("failed to HEAD %s: %w", rr.url, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return 0, fmt.Errorf("HEAD %s returned status %d", rr.url, code)
	}
	n := resp.Header.ContentLength()
	if n <= 0 {
		return 0, fmt.Errorf("HEAD %s did not report a content length", rr.url)
	}
	return int64(n), nil
}

// Read serves from the read-ahead buffer when possible and otherwise fetches
// max(len(p), readAheadSize) bytes from the current position.
func (rr *HTTPRangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.pos >= rr.size {
		return 0, io.EOF
	}
	want := len(p)
	if rr.pos+int64(want) > rr.size {
		want = int(rr.size - rr.pos)
	}

	n := 0
	if off := rr.pos - rr.bufferStart; rr.buffer != nil && off >= 0 && off < int64(len(rr.buffer)) {
		n = copy(p[:want], rr.buffer[off:])
		rr.pos += int64(n)
		if n == want {
			return n, nil
		}
	}

	fetch := want - n
	if fetch < rr.readAheadSize {
		fetch = rr.readAheadSize
	}
	if rr.pos+int64(fetch) > rr.size {
		fetch = int(rr.size - rr.pos)
	}
	data, err := rr.fetchRange(rr.pos, rr.pos+int64(fetch)-1)
	if err != nil {
		return n, err
	}
	rr.buffer, rr.bufferStart = data, rr.pos

	m := copy(p[n:want], data)
	rr.pos += int64(m)
	n += m
	if m == 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("failed to fetch bytes %d-%d of %s: %w", start, end, rr.url, err)
	}

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// Server ignored the range and sent the whole object.
		if int64(len(body)) > end {
			body = body[start : end+1]
		} else if int64(len(body)) > start {
			body = body[start:]
		} else {
			body = nil
		}
	default:
		return nil, fmt.Errorf("unexpected status code %d fetching %s", resp.StatusCode(), rr.url)
	}

	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Seek sets the offset for the next Read.
func (rr *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = rr.pos + offset
	case io.SeekEnd:
		pos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position: %d", pos)
	}
	rr.pos = pos
	return pos, nil
}

// Size returns the object size reported by the server.
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}

// Close drops the read-ahead buffer.
func (rr *HTTPRangeReader) Close() error {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.buffer = nil
	return nil
}

package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"bicycle-proxy-go/internal/metrics"
	"bicycle-proxy-go/internal/model"
)

// ErrSpill is returned when a large upload field cannot be buffered on disk.
var ErrSpill = errors.New("upload spill failed")

// Part is one field of an inbound multipart body, buffered either in memory
// or in a spill file.
type Part struct {
	Name        string
	FileName    string
	IsFile      bool
	ContentType string
	Size        int64

	data      []byte
	spillPath string
}

// Spilled reports whether the part content lives on disk.
func (p *Part) Spilled() bool {
	return p.spillPath != ""
}

// Open returns a reader over the part content.
func (p *Part) Open() (io.ReadCloser, error) {
	if !p.Spilled() {
		return io.NopCloser(bytes.NewReader(p.data)), nil
	}
	f, err := os.Open(p.spillPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpill, err)
	}
	return f, nil
}

func (p *Part) release() {
	if p.spillPath != "" {
		_ = os.Remove(p.spillPath)
		p.spillPath = ""
	}
	p.data = nil
}

func releaseParts(parts []*Part) {
	for _, p := range parts {
		p.release()
	}
}

// MultipartReconstructor re-encodes inbound multipart bodies field by field.
// Fields up to limit bytes are held in memory; larger ones go to spillDir.
type MultipartReconstructor struct {
	limit    int64
	spillDir string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewMultipartReconstructor creates a MultipartReconstructor.
// The metrics parameter is optional.
func NewMultipartReconstructor(limit int64, spillDir string, logger *slog.Logger, m *metrics.Metrics) *MultipartReconstructor {
	return &MultipartReconstructor{
		limit:    limit,
		spillDir: spillDir,
		logger:   logger.With("component", "multipart"),
		metrics:  m,
	}
}

// Read consumes a multipart body and returns its fields in order. On error
// every spill file created so far is removed.
func (r *MultipartReconstructor) Read(body io.Reader, contentType string) ([]*Part, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: content type: %w", model.ErrMalformedUpload, err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: no boundary in %q", model.ErrMalformedUpload, contentType)
	}

	mr := multipart.NewReader(body, boundary)
	var parts []*Part
	for {
		p, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			releaseParts(parts)
			return nil, fmt.Errorf("%w: %w", model.ErrMalformedUpload, err)
		}

		part, err := r.readPart(p)
		_ = p.Close()
		if err != nil {
			releaseParts(parts)
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func (r *MultipartReconstructor) readPart(p *multipart.Part) (*Part, error) {
	part := &Part{
		Name:        p.FormName(),
		ContentType: p.Header.Get(headerContentType),
	}
	// FileName() strips directories; keep the name exactly as sent.
	if _, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition")); err == nil {
		part.FileName, part.IsFile = params["filename"]
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, p, r.limit+1)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: field %q: %w", model.ErrMalformedUpload, part.Name, err)
	}
	if n <= r.limit {
		part.data = buf.Bytes()
		part.Size = n
		return part, nil
	}

	f, err := os.CreateTemp(r.spillDir, "bicycle-upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpill, err)
	}
	part.spillPath = f.Name()

	written, err := io.Copy(f, io.MultiReader(&buf, p))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		part.release()
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("%w: %w", ErrSpill, err)
		}
		return nil, fmt.Errorf("%w: field %q: %w", model.ErrMalformedUpload, part.Name, err)
	}
	part.Size = written

	if r.metrics != nil {
		r.metrics.UploadSpills.Inc()
	}
	r.logger.Debug("spilled upload field to disk",
		"field", part.Name,
		"size", humanize.IBytes(uint64(written)),
		"limit", humanize.IBytes(uint64(r.limit)),
	)
	return part, nil
}

// Write encodes parts as a new multipart body of the given media type under a
// freshly generated boundary. The body is produced on demand by a goroutine
// that removes the spill files once it is done or the reader is closed.
func (r *MultipartReconstructor) Write(mediaType string, parts []*Part) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	contentType := mime.FormatMediaType(mediaType, map[string]string{"boundary": mw.Boundary()})

	go func() {
		defer releaseParts(parts)
		err := writeParts(mw, parts)
		if err != nil {
			r.logger.Debug("multipart body not fully written", "err", err)
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, contentType
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeParts(mw *multipart.Writer, parts []*Part) error {
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		if p.IsFile {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
				quoteEscaper.Replace(p.Name), quoteEscaper.Replace(p.FileName)))
			ct := p.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set(headerContentType, ct)
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, quoteEscaper.Replace(p.Name)))
		}

		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		src, err := p.Open()
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		_ = src.Close()
		if err != nil {
			return err
		}
	}
	return mw.Close()
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"kicad-jobs/pkg/backoff"
	"kicad-jobs/pkg/circuitbreaker"
)

// Filer stores artifacts on a SeaweedFS filer. Expiry is set per object with
// the ttl query parameter, so Ensure has nothing to create. After repeated
// server errors the breaker fails calls fast with circuitbreaker.ErrOpen.
type Filer struct {
	baseURL    string
	ttl        string
	httpClient *http.Client
	maxRetries int
	breaker    *circuitbreaker.Breaker
}

// NewFiler returns a filer client. A nil httpClient uses a client with a
// five minute timeout.
func NewFiler(baseURL string, expiryDays int, httpClient *http.Client) *Filer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if expiryDays <= 0 {
		expiryDays = 1
	}
	return &Filer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ttl:        fmt.Sprintf("%dd", expiryDays),
		httpClient: httpClient,
		maxRetries: 3,
		breaker:    circuitbreaker.New(circuitbreaker.Config{Threshold: 5, Cooldown: 30 * time.Second}),
	}
}

func (f *Filer) Ensure(context.Context) error { return nil }

func (f *Filer) objectURL(key string) string {
	return f.baseURL + "/" + (&url.URL{Path: strings.TrimLeft(key, "/")}).EscapedPath()
}

// Put uploads r as multipart form data, retrying transient failures.
func (f *Filer) Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error {
	err := backoff.Retry(ctx, f.maxRetries, nil, func(attempt int) error {
		if attempt > 0 {
			slog.Debug("Retrying upload", "attempt", attempt, "key", key)
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		err := f.upload(ctx, key, r, contentType)
		if isClientError(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			slog.Warn("Upload failed", "attempt", attempt, "error", err, "key", key)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	slog.Debug("Uploaded object", "key", key, "bytes", size)
	return nil
}

func (f *Filer) upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, path.Base(key)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.objectURL(key)+"?ttl="+f.ttl, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &statusError{statusCode: resp.StatusCode, message: string(respBody)}
}

func (f *Filer) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	resp, err := f.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, f.object(key, resp), nil
}

func (f *Filer) Stat(ctx context.Context, key string) (*Object, error) {
	resp, err := f.do(ctx, http.MethodHead, key)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return f.object(key, resp), nil
}

func (f *Filer) do(ctx context.Context, method, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.objectURL(key), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var resp *http.Response
	err = f.breaker.Do(func() error {
		var err error
		resp, err = f.httpClient.Do(req)
		if err == nil && resp.StatusCode >= 500 {
			resp.Body.Close()
			return &statusError{statusCode: resp.StatusCode}
		}
		return err
	}, isServerError)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: %w", key, &statusError{statusCode: resp.StatusCode})
	}
	return resp, nil
}

func (f *Filer) object(key string, resp *http.Response) *Object {
	obj := &Object{Key: key, Size: resp.ContentLength, ContentType: resp.Header.Get("Content-Type")}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		obj.ModTime, _ = http.ParseTime(lm)
	}
	return obj
}

// Ready checks that the filer answers at all.
func (f *Filer) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.baseURL+"/", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &statusError{statusCode: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	statusCode int
	message    string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("filer returned status %d", e.statusCode)
	}
	return fmt.Sprintf("filer returned status %d: %s", e.statusCode, e.message)
}

func isClientError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.statusCode >= 400 && se.statusCode < 500
	}
	return false
}

// isServerError counts transport failures and 5xx responses against the
// breaker. Cancelled requests say nothing about the filer.
func isServerError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !isClientError(err)
}

var _ Bucket = (*Filer)(nil)

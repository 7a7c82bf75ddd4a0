package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// maxDirectUploadSize is the service cap for single-request conversions.
// Larger files must go through a chunked upload session.
const maxDirectUploadSize = 50 << 20

// ConversionOptions are the optional output parameters of a conversion.
type ConversionOptions struct {
	Quality    int    `json:"quality,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Bitrate    string `json:"bitrate,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// OCR asks the service to extract text from image input.
	OCR bool `json:"ocr,omitempty"`
	// OCRLanguage selects the recognition language, for example "eng" or
	// "eng+fra".
	OCRLanguage string `json:"ocr_language,omitempty"`
}

// FileSource is a local byte source for a direct upload.
type FileSource struct {
	// Name is the filename reported to the service.
	Name string
	// Reader supplies the file bytes.
	Reader io.Reader
	// Size in bytes. Must be known up front so the direct-upload cap can be
	// enforced before any network call.
	Size int64
}

// ConversionRequest describes a conversion submission. Exactly one source
// kind (File, URL or SessionID) must be set.
type ConversionRequest struct {
	File      *FileSource
	URL       string
	SessionID string

	TargetFormat string
	Options      *ConversionOptions
	WebhookURL   string
}

func (r *ConversionRequest) validate() error {
	sources := 0
	if r.File != nil {
		sources++
	}
	if r.URL != "" {
		sources++
	}
	if r.SessionID != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("conversion request must set exactly one source, got %d", sources)
	}
	if r.TargetFormat == "" {
		return errors.New("target format is required")
	}
	return nil
}

// Submit sends a conversion request and returns a handle on the created
// job. Submissions are never retried automatically: a duplicate submit
// could create a duplicate job, so the caller must re-submit deliberately.
func (c *Client) Submit(ctx context.Context, req *ConversionRequest) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	switch {
	case req.File != nil:
		return c.submitFile(ctx, req)
	case req.URL != "":
		return c.submitURL(ctx, req)
	default:
		session := c.reattachSession(req.SessionID)
		return session.Complete(ctx)
	}
}

// ConvertFile submits a small local file for conversion.
func (c *Client) ConvertFile(ctx context.Context, file FileSource, targetFormat string, opts *ConversionOptions) (*Job, error) {
	return c.Submit(ctx, &ConversionRequest{File: &file, TargetFormat: targetFormat, Options: opts})
}

// ConvertURL submits a remote file by URL for conversion.
func (c *Client) ConvertURL(ctx context.Context, url, targetFormat string, opts *ConversionOptions) (*Job, error) {
	return c.Submit(ctx, &ConversionRequest{URL: url, TargetFormat: targetFormat, Options: opts})
}

func (c *Client) submitFile(ctx context.Context, req *ConversionRequest) (*Job, error) {
	if req.File.Size > maxDirectUploadSize {
		return nil, ErrDirectUploadTooLarge
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", req.File.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, req.File.Reader); err != nil {
		return nil, fmt.Errorf("failed to read file source: %w", err)
	}

	if err := writeSubmitFields(writer, req); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.do(ctx, http.MethodPost, "/convert", header, buf.Bytes(), false)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	var env jobEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	return c.jobFromEnvelope(&env), nil
}

func (c *Client) submitURL(ctx context.Context, req *ConversionRequest) (*Job, error) {
	payload := map[string]interface{}{
		"url":           req.URL,
		"target_format": req.TargetFormat,
	}
	if req.Options != nil {
		payload["options"] = req.Options
	}
	if req.WebhookURL != "" {
		payload["webhook_url"] = req.WebhookURL
	}

	var env jobEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/convert-url", payload, &env, false); err != nil {
		return nil, err
	}
	return c.jobFromEnvelope(&env), nil
}

func writeSubmitFields(writer *multipart.Writer, req *ConversionRequest) error {
	if err := writer.WriteField("target_format", req.TargetFormat); err != nil {
		return fmt.Errorf("failed to write form field: %w", err)
	}
	if req.Options != nil {
		raw, err := json.Marshal(req.Options)
		if err != nil {
			return fmt.Errorf("failed to encode options: %w", err)
		}
		if err := writer.WriteField("options", string(raw)); err != nil {
			return fmt.Errorf("failed to write form field: %w", err)
		}
	}
	if req.WebhookURL != "" {
		if err := writer.WriteField("webhook_url", req.WebhookURL); err != nil {
			return fmt.Errorf("failed to write form field: %w", err)
		}
	}
	return nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *ConversionRequest
		wantErr string
	}{
		{
			name: "file source",
			req: &ConversionRequest{
				File:         &FileSource{Name: "a.docx", Reader: strings.NewReader("x"), Size: 1},
				TargetFormat: "pdf",
			},
		},
		{
			name: "url source",
			req:  &ConversionRequest{URL: "https://example.com/a.docx", TargetFormat: "pdf"},
		},
		{
			name: "session source",
			req:  &ConversionRequest{SessionID: "sess-1", TargetFormat: "pdf"},
		},
		{
			name:    "no source",
			req:     &ConversionRequest{TargetFormat: "pdf"},
			wantErr: "exactly one source",
		},
		{
			name: "two sources",
			req: &ConversionRequest{
				File:         &FileSource{Name: "a.docx", Reader: strings.NewReader("x"), Size: 1},
				URL:          "https://example.com/a.docx",
				TargetFormat: "pdf",
			},
			wantErr: "exactly one source",
		},
		{
			name:    "missing target format",
			req:     &ConversionRequest{URL: "https://example.com/a.docx"},
			wantErr: "target format is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClient_ConvertFile(t *testing.T) {
	t.Run("submits a multipart form", func(t *testing.T) {
		var (
			gotPath     string
			gotFile     []byte
			gotFilename string
			gotFields   map[string]string
		)
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, r.ParseMultipartForm(32<<20))

			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			gotFile, _ = io.ReadAll(file)
			gotFilename = header.Filename

			gotFields = map[string]string{}
			for k := range r.MultipartForm.Value {
				gotFields[k] = r.FormValue(k)
			}

			writeJob(w, jobEnvelope{JobID: "job-9", Status: "queued"})
		}))

		job, err := c.ConvertFile(context.Background(), FileSource{
			Name:   "report.docx",
			Reader: bytes.NewReader([]byte("document bytes")),
			Size:   14,
		}, "pdf", &ConversionOptions{Quality: 90})
		require.NoError(t, err)

		assert.Equal(t, "/convert", gotPath)
		assert.Equal(t, "report.docx", gotFilename)
		assert.Equal(t, "document bytes", string(gotFile))
		assert.Equal(t, "pdf", gotFields["target_format"])

		var opts ConversionOptions
		require.NoError(t, json.Unmarshal([]byte(gotFields["options"]), &opts))
		assert.Equal(t, 90, opts.Quality)

		assert.Equal(t, "job-9", job.ID())
		assert.Equal(t, StatusQueued, job.LastStatus())
	})

	t.Run("submits ocr options", func(t *testing.T) {
		var gotOptions string
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(32<<20))
			gotOptions = r.FormValue("options")
			writeJob(w, jobEnvelope{JobID: "job-10", Status: "queued"})
		}))

		_, err := c.ConvertFile(context.Background(), FileSource{
			Name:   "scan.tiff",
			Reader: bytes.NewReader([]byte("image bytes")),
			Size:   11,
		}, "txt", &ConversionOptions{OCR: true, OCRLanguage: "eng+fra"})
		require.NoError(t, err)

		var opts map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(gotOptions), &opts))
		assert.Equal(t, true, opts["ocr"])
		assert.Equal(t, "eng+fra", opts["ocr_language"])
		assert.NotContains(t, opts, "quality")
	})

	t.Run("rejects files over the direct cap", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		}))

		_, err := c.ConvertFile(context.Background(), FileSource{
			Name:   "huge.mov",
			Reader: strings.NewReader(""),
			Size:   maxDirectUploadSize + 1,
		}, "mp4", nil)
		require.ErrorIs(t, err, ErrDirectUploadTooLarge)
	})
}

func TestClient_ConvertURL(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJob(w, jobEnvelope{JobID: "job-7", Status: "queued"})
	}))

	job, err := c.ConvertURL(context.Background(), "https://example.com/a.docx", "pdf", nil)
	require.NoError(t, err)

	assert.Equal(t, "/convert-url", gotPath)
	assert.Equal(t, "https://example.com/a.docx", gotBody["url"])
	assert.Equal(t, "pdf", gotBody["target_format"])
	assert.NotContains(t, gotBody, "options")
	assert.Equal(t, "job-7", job.ID())
}

func TestClient_Submit_WebhookURL(t *testing.T) {
	var gotBody map[string]interface{}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJob(w, jobEnvelope{JobID: "job-7", Status: "queued"})
	}))

	_, err := c.Submit(context.Background(), &ConversionRequest{
		URL:          "https://example.com/a.docx",
		TargetFormat: "pdf",
		WebhookURL:   "https://hooks.example.com/conversions",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://hooks.example.com/conversions", gotBody["webhook_url"])
}

func TestClient_Submit_SessionSource(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJob(w, jobEnvelope{JobID: "job-5", Status: "queued"})
	}))

	job, err := c.Submit(context.Background(), &ConversionRequest{
		SessionID:    "sess-9",
		TargetFormat: "pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, "/upload/sess-9/complete", gotPath)
	assert.Equal(t, "job-5", job.ID())
}

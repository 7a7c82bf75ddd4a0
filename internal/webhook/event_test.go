package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converthub/converthub-go/client"
)

func TestEvent_TerminalStatus(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		status   client.JobStatus
		terminal bool
	}{
		{
			name:     "completed event type",
			event:    Event{Type: EventConversionCompleted},
			status:   client.StatusCompleted,
			terminal: true,
		},
		{
			name:     "failed event type",
			event:    Event{Type: EventConversionFailed},
			status:   client.StatusFailed,
			terminal: true,
		},
		{
			name:     "cancelled event type",
			event:    Event{Type: EventConversionCancelled},
			status:   client.StatusCancelled,
			terminal: true,
		},
		{
			name:     "progress event",
			event:    Event{Type: EventConversionProgress, Status: "processing"},
			terminal: false,
		},
		{
			name:     "upload completed is not a job terminal",
			event:    Event{Type: EventUploadCompleted},
			terminal: false,
		},
		{
			name:     "status field fallback",
			event:    Event{Type: "unknown.event", Status: "failed"},
			status:   client.StatusFailed,
			terminal: true,
		},
		{
			name:     "status field alias fallback",
			event:    Event{Type: "unknown.event", Status: "canceled"},
			status:   client.StatusCancelled,
			terminal: true,
		},
		{
			name:     "non-terminal status fallback",
			event:    Event{Type: "unknown.event", Status: "queued"},
			terminal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, terminal := tt.event.TerminalStatus()
			assert.Equal(t, tt.terminal, terminal)
			if tt.terminal {
				assert.Equal(t, tt.status, status)
			}
		})
	}
}

func TestEvent_Unmarshal(t *testing.T) {
	raw := []byte(`{
		"event_id": "evt-42",
		"event": "conversion.completed",
		"job_id": "job-1",
		"timestamp": "2026-08-31T10:00:00Z",
		"result": {
			"download_url": "https://cdn.example.com/out.pdf",
			"format": "pdf",
			"file_size": 2048,
			"expires_at": "2026-09-01T10:00:00Z"
		}
	}`)

	var event Event
	require.NoError(t, json.Unmarshal(raw, &event))

	assert.Equal(t, "evt-42", event.EventID)
	assert.Equal(t, EventConversionCompleted, event.Type)
	assert.Equal(t, "job-1", event.JobID)
	require.NotNil(t, event.Result)
	assert.Equal(t, int64(2048), event.Result.FileSize)
	assert.Nil(t, event.Error)
	assert.Nil(t, event.Progress)
}

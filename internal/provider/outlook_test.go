package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const graphEvents = "https://graph.microsoft.com/v1.0/users/agenda@clinic.example/events"

func newTestOutlook(t *testing.T) (*Outlook, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	o := NewOutlook("outlook", config.ProviderConfig{
		Type:        config.ProviderOutlook,
		AccessToken: "graph-token",
		CalendarID:  "agenda@clinic.example",
	}, WithHTTPClient(&http.Client{Transport: mt}))
	return o, mt
}

func TestOutlookCreateEvent(t *testing.T) {
	o, mt := newTestOutlook(t)

	var sent graphEvent
	mt.RegisterResponder(http.MethodPost, graphEvents, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer graph-token", req.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(req.Body).Decode(&sent))
		return httpmock.NewJsonResponse(http.StatusCreated, map[string]string{"id": "AAMk-1"})
	})

	event := sampleEvent()
	event.Recurrence = &models.Recurrence{Frequency: "weekly", Days: []int{1, 3}}
	res := o.CreateEvent(context.Background(), event)
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "AAMk-1", res.ExternalEventID)

	require.NotNil(t, sent.Subject)
	assert.Equal(t, "Sessao de fisioterapia", *sent.Subject)
	assert.Equal(t, "2026-03-10T14:00:00.0000000", sent.Start.DateTime)
	assert.Equal(t, "UTC", sent.Start.TimeZone)
	require.NotNil(t, sent.ReminderMinutesBeforeStart)
	assert.Equal(t, 1440, *sent.ReminderMinutesBeforeStart)
	assert.Equal(t, "optional", sent.Attendees[1].Type)
	require.NotNil(t, sent.Recurrence)
	assert.Equal(t, []string{"monday", "wednesday"}, sent.Recurrence.Pattern.DaysOfWeek)
	assert.Equal(t, "noEnd", sent.Recurrence.Range.Type)
}

func TestOutlookErrorCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   ErrorCode
	}{
		{"token", 401, `{"error":{"code":"InvalidAuthenticationToken","message":"Access token has expired."}}`, CodeAuthFailed},
		{"denied", 403, `{"error":{"code":"ErrorAccessDenied","message":"Access is denied."}}`, CodePermissionDenied},
		{"missing", 404, `{"error":{"code":"ErrorItemNotFound","message":"The specified object was not found."}}`, CodeNotFound},
		{"throttled", 429, `{"error":{"code":"ApplicationThrottled","message":"Too many requests"}}`, CodeRateLimit},
		{"busy", 503, `{"error":{"code":"ErrorServerBusy","message":"busy"}}`, CodeTransient},
		{"unnamed", 500, `{"error":{"code":"SomethingNew","message":"?"}}`, CodeTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, mt := newTestOutlook(t)
			mt.RegisterResponder(http.MethodDelete, graphEvents+"/AAMk-1", httpmock.NewStringResponder(tc.status, tc.body))

			res := o.DeleteEvent(context.Background(), "AAMk-1")
			assert.False(t, res.Success)
			assert.Equal(t, tc.code, res.ErrorCode)
			assert.Equal(t, tc.code.Retryable(), res.Retryable)
		})
	}
}

func TestOutlookUpdateEvent(t *testing.T) {
	o, mt := newTestOutlook(t)

	var patched map[string]interface{}
	mt.RegisterResponder(http.MethodPatch, graphEvents+"/AAMk-1", func(req *http.Request) (*http.Response, error) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&patched))
		return httpmock.NewStringResponder(http.StatusOK, `{"id":"AAMk-1"}`)(req)
	})

	start := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	res := o.UpdateEvent(context.Background(), "AAMk-1", models.EventPatch{StartTime: &start, EndTime: &end})
	require.True(t, res.Success, res.ErrorMessage)
	assert.NotContains(t, patched, "subject")
	assert.Contains(t, patched, "start")

	bad := o.UpdateEvent(context.Background(), "AAMk-1", models.EventPatch{StartTime: &end, EndTime: &start})
	assert.Equal(t, CodeValidation, bad.ErrorCode)
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestOutlookGetAvailabilityFollowsPages(t *testing.T) {
	o, mt := newTestOutlook(t)
	view := "https://graph.microsoft.com/v1.0/users/agenda@clinic.example/calendarView"
	mt.RegisterResponder(http.MethodGet, view, func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("$skip") == "" {
			return httpmock.NewStringResponse(http.StatusOK, `{
				"value":[
					{"start":{"dateTime":"2026-03-10T16:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-03-10T17:00:00.0000000","timeZone":"UTC"},"showAs":"busy"},
					{"start":{"dateTime":"2026-03-10T10:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-03-10T11:00:00.0000000","timeZone":"UTC"},"showAs":"free"}
				],
				"@odata.nextLink":"`+view+`?$skip=2"}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"value":[
			{"start":{"dateTime":"2026-03-10T12:00:00.0000000","timeZone":"UTC"},"end":{"dateTime":"2026-03-10T12:30:00.0000000","timeZone":"UTC"},"showAs":"tentative"}
		]}`), nil
	})

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	busy, err := o.GetAvailability(context.Background(), models.TimeRange{Start: day, End: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, busy, 2)
	assert.Equal(t, 12, busy[0].Start.Hour())
	assert.Equal(t, 16, busy[1].Start.Hour())
	assert.Equal(t, 2, mt.GetTotalCallCount())
}

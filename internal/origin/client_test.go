package origin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func testClient() *Client {
	return NewClient(Config{
		BaseURL:        "https://origin.test/",
		ActivityURL:    "https://activity.test",
		APIKey:         "sync-key",
		ActivityAPIKey: "activity-key",
	})
}

func TestSyncVerdictPostsWebhook(t *testing.T) {
	setupHTTPMock(t)
	var got Verdict
	httpmock.RegisterResponder(http.MethodPost, "https://origin.test/webhooks/ship_cert",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("x-api-key") != "sync-key" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, "bad key"), nil
			}
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
		})

	pt := "CLI"
	err := testClient().SyncVerdict(context.Background(), Verdict{ID: "proj-9", Status: "approved", Reason: "nice", ProjectType: &pt})
	require.NoError(t, err)
	require.Equal(t, "proj-9", got.ID)
	require.Equal(t, "approved", got.Status)
	require.Equal(t, "CLI", *got.ProjectType)
	require.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestSyncVerdictNon2xx(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://origin.test/webhooks/ship_cert",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	err := testClient().SyncVerdict(context.Background(), Verdict{ID: "proj-9", Status: "rejected"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.Status)
	require.Equal(t, "upstream down", se.Body)
}

func TestFetchActivity(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodGet, "https://activity.test/api/v1/projects/proj-9/devlogs",
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "Bearer activity-key", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK,
				`{"devlogs":[{"id":1,"body":"wired the parser","duration_seconds":5400,"created_at":"2024-01-01T10:00:00Z"}]}`), nil
		})

	logs, err := testClient().FetchActivity(context.Background(), "proj-9")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, int64(1), logs[0].ID)
	require.Equal(t, 5400, logs[0].DurationSeconds)
}

func TestDisabledClient(t *testing.T) {
	c := NewClient(Config{})
	require.False(t, c.SyncEnabled())
	require.False(t, c.ActivityEnabled())
	require.Error(t, c.SyncVerdict(context.Background(), Verdict{ID: "x"}))
	_, err := c.FetchActivity(context.Background(), "x")
	require.Error(t, err)
}

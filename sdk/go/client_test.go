package shipyardsdk

import (
	"context"
	"encoding/json"
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

func TestDecideSendsBearerAndDecodesWarnings(t *testing.T) {
	setupHTTPMock(t)
	var got Decision
	httpmock.RegisterResponder(http.MethodPost, "https://yard.test/v1/certifications/7/decision",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") != "Bearer tok" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, `{}`), nil
			}
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"certification": map[string]any{"id": 7, "status": "approved"},
				"kind":          "certification.approved",
				"warnings":      []map[string]string{{"step": "sync", "reason": "upstream_failure", "message": "down"}},
			})
		})

	c := New("https://yard.test/")
	c.BearerToken = "tok"
	res, err := c.Decide(context.Background(), 7, Decision{Verdict: "approved", Feedback: "nice"})
	require.NoError(t, err)
	require.Equal(t, "approved", got.Verdict)
	require.Equal(t, "approved", res.Certification.Status)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, "sync", res.Warnings[0].Step)
}

func TestClaimConflictIsLocked(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, "https://yard.test/v1/certifications/3/claim",
		httpmock.NewStringResponder(http.StatusLocked,
			`{"error":{"code":"locked_by_other","message":"claimed by alice","details":{"holder":"alice"}}}`))

	c := New("https://yard.test")
	c.APIKey = "k"
	_, err := c.Claim(context.Background(), 3)
	require.Error(t, err)
	require.True(t, IsLocked(err))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "alice", ae.Details["holder"])
}

func TestCertificationsQuery(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodGet, "https://yard.test/v1/certifications",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			if q.Get("status") != "pending" || q.Get("limit") != "2" || q.Get("cursor") != "10" {
				return httpmock.NewStringResponse(http.StatusBadRequest, `{}`), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"items":[{"id":11},{"id":12}],"next_cursor":"12"}`), nil
		})

	page, err := New("https://yard.test").Certifications(context.Background(), "pending", 2, "10")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "12", page.NextCursor)
}

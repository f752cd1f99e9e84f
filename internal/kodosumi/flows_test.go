package kodosumi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flowServer serves the login endpoint plus a custom handler for everything
// else.
func flowServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" {
			json.NewEncoder(w).Encode(map[string]string{"KODOSUMI_API_KEY": "key"})
			return
		}
		handler(w, r)
	}))
}

func TestListFlowsWalksPagination(t *testing.T) {
	t.Parallel()

	srv := flowServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/flow", r.URL.Path)

		switch r.URL.Query().Get("offset") {
		case "":
			next := "page-2"
			json.NewEncoder(w).Encode(flowPage{
				Items: []flowItem{
					{URL: "/crew/research", Summary: "Research Crew", Author: "a"},
					{URL: "/crew/writer", Summary: "Writer Crew"},
				},
				Offset: &next,
			})
		case "page-2":
			json.NewEncoder(w).Encode(flowPage{
				Items: []flowItem{{URL: "/tools/summarize", Summary: "Summarizer"}},
			})
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, newStubSessionStore())

	flows, err := c.ListFlows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 3)

	assert.Equal(t, "crew_research", flows[0].Key)
	assert.Equal(t, "/crew/research", flows[0].Path)
	assert.Equal(t, "Research Crew", flows[0].Name)
	assert.Equal(t, "tools_summarize", flows[2].Key)
}

func TestListFlowsStopsAtCap(t *testing.T) {
	t.Parallel()

	// Upstream keeps paging forever; the walk must stop at the cap.
	srv := flowServer(t, func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		page, _ := strconv.Atoi(offset)

		items := make([]flowItem, 100)
		for i := range items {
			items[i] = flowItem{URL: fmt.Sprintf("/flow/%d-%d", page, i)}
		}
		next := strconv.Itoa(page + 1)
		json.NewEncoder(w).Encode(flowPage{Items: items, Offset: &next})
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, newStubSessionStore())

	flows, err := c.ListFlows(context.Background())
	require.NoError(t, err)
	assert.Len(t, flows, maxFlowItems)
}

func TestLaunch(t *testing.T) {
	t.Parallel()

	t.Run("returns the upstream run id", func(t *testing.T) {
		t.Parallel()
		srv := flowServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/crew/research", r.URL.Path)

			var inputs map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&inputs))
			assert.Equal(t, "go", inputs["topic"])

			json.NewEncoder(w).Encode(map[string]string{"result": "run-42"})
		})
		defer srv.Close()

		c := newTestClient(t, srv.URL, newStubSessionStore())
		runID, err := c.Launch(context.Background(), "/crew/research", map[string]any{"topic": "go"})
		require.NoError(t, err)
		assert.Equal(t, "run-42", runID)
	})

	t.Run("input rejection surfaces as validation error", func(t *testing.T) {
		t.Parallel()
		srv := flowServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"errors": map[string]string{"topic": "is required"},
			})
		})
		defer srv.Close()

		c := newTestClient(t, srv.URL, newStubSessionStore())
		_, err := c.Launch(context.Background(), "/crew/research", nil)

		var verr *ErrValidation
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, string(verr.Details), "is required")
	})

	t.Run("neither result nor errors is an error", func(t *testing.T) {
		t.Parallel()
		srv := flowServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{})
		})
		defer srv.Close()

		c := newTestClient(t, srv.URL, newStubSessionStore())
		_, err := c.Launch(context.Background(), "/crew/research", nil)
		require.Error(t, err)
	})
}

func TestRunStatusFallsBackToLegacyEndpoint(t *testing.T) {
	t.Parallel()

	var statusCalls, legacyCalls int
	srv := flowServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/outputs/status/run-42":
			statusCalls++
			http.NotFound(w, r)
		case r.URL.Path == "/crew/research" && r.URL.Query().Get("run_id") == "run-42":
			legacyCalls++
			json.NewEncoder(w).Encode(map[string]any{
				"elements": []map[string]any{{"kind": "final", "message": "done"}},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, newStubSessionStore())

	doc, err := c.RunStatus(context.Background(), "/crew/research", "run-42")
	require.NoError(t, err)
	assert.Equal(t, 1, statusCalls)
	assert.Equal(t, 1, legacyCalls)
	assert.Equal(t, PhaseFinished, doc.Phase())
}

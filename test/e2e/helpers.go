package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildswarm/orchestrator/pkg/api"
	"github.com/buildswarm/orchestrator/pkg/models"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 25 * time.Millisecond
)

// do issues one authenticated request, asserts the status code, and decodes
// the JSON body into out when out is non-nil.
func (app *TestApp) do(method, path string, body any, wantStatus int, out any) {
	app.t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(app.t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, app.BaseURL+path, reqBody)
	require.NoError(app.t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	require.Equal(app.t, wantStatus, resp.StatusCode,
		"%s %s: unexpected status, body: %s", method, path, string(data))

	if out != nil && len(data) > 0 {
		require.NoError(app.t, json.Unmarshal(data, out),
			"%s %s: decoding body %s", method, path, string(data))
	}
}

// getQuiet fetches a path without failing the test, for use inside poll
// loops where t.FailNow is off-limits.
func (app *TestApp) getQuiet(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, app.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches a path and decodes the response into a generic map.
func (app *TestApp) GetJSON(path string, wantStatus int) map[string]any {
	app.t.Helper()
	var out map[string]any
	app.do(http.MethodGet, path, nil, wantStatus, &out)
	return out
}

// PostJSON posts a body and decodes the response into a generic map.
func (app *TestApp) PostJSON(path string, body any, wantStatus int) map[string]any {
	app.t.Helper()
	var out map[string]any
	app.do(http.MethodPost, path, body, wantStatus, &out)
	return out
}

// AddAgent registers an agent on this app's pod and returns the stored
// record.
func (app *TestApp) AddAgent(id string) *models.Agent {
	app.t.Helper()
	var agent models.Agent
	app.do(http.MethodPost, "/agents",
		models.AddAgentRequest{AgentID: id, PodID: app.PodID},
		http.StatusCreated, &agent)
	return &agent
}

// CreateProject submits a project and returns its assigned number.
func (app *TestApp) CreateProject(title string, criteria ...string) int64 {
	app.t.Helper()
	var project models.Project
	app.do(http.MethodPost, "/projects",
		models.CreateProjectRequest{Title: title, AcceptanceCriteria: criteria},
		http.StatusCreated, &project)
	return project.Number
}

// GetProject fetches one project by number.
func (app *TestApp) GetProject(number int64) *models.Project {
	app.t.Helper()
	var project models.Project
	app.do(http.MethodGet, fmt.Sprintf("/projects/%d", number), nil, http.StatusOK, &project)
	return &project
}

// GetAgent fetches one agent by ID.
func (app *TestApp) GetAgent(id string) *models.Agent {
	app.t.Helper()
	var agent models.Agent
	app.do(http.MethodGet, "/agents/"+id, nil, http.StatusOK, &agent)
	return &agent
}

// PauseAgent suspends an agent via the control API.
func (app *TestApp) PauseAgent(id string) {
	app.t.Helper()
	app.do(http.MethodPost, "/agents/"+id+"/pause", nil, http.StatusOK, nil)
}

// ResumeAgent lifts a pause via the control API.
func (app *TestApp) ResumeAgent(id string) {
	app.t.Helper()
	app.do(http.MethodPost, "/agents/"+id+"/resume", nil, http.StatusOK, nil)
}

// StopAgent requests a graceful stop via the control API.
func (app *TestApp) StopAgent(id string) {
	app.t.Helper()
	app.do(http.MethodPost, "/agents/"+id+"/stop", nil, http.StatusOK, nil)
}

// CostSnapshot fetches the governor's current budget view.
func (app *TestApp) CostSnapshot() map[string]any {
	app.t.Helper()
	return app.GetJSON("/cost", http.StatusOK)
}

// IngestEvent publishes an external project event through the API and
// returns the sequence number the bus assigned it.
func (app *TestApp) IngestEvent(evType models.EventType, data any) int64 {
	app.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(app.t, err)
	var accepted api.AcceptedResponse
	app.do(http.MethodPost, "/events/project",
		models.ProjectEventRequest{Type: evType, Data: raw},
		http.StatusAccepted, &accepted)
	return accepted.Seq
}

// ReplayEvents fetches the persisted event log from a cursor.
func (app *TestApp) ReplayEvents(sinceSeq int64, limit int) *api.ReplayResponse {
	app.t.Helper()
	var page api.ReplayResponse
	path := fmt.Sprintf("/events/replay?since=%d", sinceSeq)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	app.do(http.MethodGet, path, nil, http.StatusOK, &page)
	return &page
}

// AuditHistory fetches audit records matching the given query string, for
// example "operation_type=cost.hardStop".
func (app *TestApp) AuditHistory(query string) []models.AuditRecord {
	app.t.Helper()
	var records []models.AuditRecord
	path := "/audit-history"
	if query != "" {
		path += "?" + query
	}
	app.do(http.MethodGet, path, nil, http.StatusOK, &records)
	return records
}

// WaitForProjectState polls until the project reaches the wanted state.
// Polling stays on the test goroutine so the failure message can report
// the last state seen.
func (app *TestApp) WaitForProjectState(number int64, want models.ProjectState) {
	app.t.Helper()
	var last models.ProjectState
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		var p models.Project
		if err := app.getQuiet(fmt.Sprintf("/projects/%d", number), &p); err == nil {
			last = p.State
			if last == want {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	app.t.Fatalf("project %d never reached state %q (last saw %q)", number, want, last)
}

// eventNumber extracts the project number from an event payload, or 0.
func eventNumber(ev WSEvent) int64 {
	n, _ := ev.Data["number"].(float64)
	return int64(n)
}

// projectEventTypes returns the lifecycle event types observed for one
// project in stream order, skipping progress frames.
func projectEventTypes(events []WSEvent, number int64) []string {
	var out []string
	for _, ev := range events {
		if ev.control() || ev.Seq == 0 || ev.Type == "project.progress" {
			continue
		}
		if eventNumber(ev) != number {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

// WaitForAgentStatus polls until the agent reaches the wanted status.
func (app *TestApp) WaitForAgentStatus(id string, want models.AgentStatus) {
	app.t.Helper()
	var last models.AgentStatus
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		var a models.Agent
		if err := app.getQuiet("/agents/"+id, &a); err == nil {
			last = a.Status
			if last == want {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	app.t.Fatalf("agent %s never reached status %q (last saw %q)", id, want, last)
}

package service_test

import (
	"strings"
	"testing"
	"time"

	"alertsync/internal/models"
	"alertsync/internal/service"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	issue := 7

	firing := &models.NormalizedAlert{Fingerprint: "fp", Status: models.AlertFiring, StartedAt: t0}
	resolvedAt := t0.Add(time.Hour)
	resolved := &models.NormalizedAlert{Fingerprint: "fp", Status: models.AlertResolved, StartedAt: t0, EndedAt: &resolvedAt}
	oldFiring := &models.NormalizedAlert{Fingerprint: "fp", Status: models.AlertFiring, StartedAt: t0.Add(-time.Hour)}

	state := func(status models.LifecycleStatus, hash string, withIssue bool) *models.AlertState {
		st := &models.AlertState{Fingerprint: "fp", Status: status, ContentHash: hash, LastEventAt: t0}
		if withIssue {
			n := issue
			st.IssueNumber = &n
		}
		return st
	}

	testCases := []struct {
		name  string
		state *models.AlertState
		alert *models.NormalizedAlert
		hash  string
		want  service.Action
	}{
		{"unknown firing", nil, firing, "h", service.ActionCreate},
		{"unknown resolved", nil, resolved, "h", service.ActionIgnore},
		{"pending firing", state(models.StatusPending, "", false), firing, "h", service.ActionCreate},
		{"pending resolved", state(models.StatusPending, "", false), resolved, "h", service.ActionClose},
		{"open firing same content", state(models.StatusOpen, "h", true), firing, "h", service.ActionNoop},
		{"open firing changed content", state(models.StatusOpen, "h", true), firing, "h2", service.ActionUpdate},
		{"updated firing changed content", state(models.StatusUpdated, "h", true), firing, "h2", service.ActionUpdate},
		{"open resolved", state(models.StatusOpen, "h", true), resolved, "h", service.ActionClose},
		{"updated resolved", state(models.StatusUpdated, "h", true), resolved, "h", service.ActionClose},
		{"closed firing reopens", state(models.StatusClosed, "h", true), firing, "h", service.ActionReopen},
		{"closed without issue creates", state(models.StatusClosed, "h", false), firing, "h", service.ActionCreate},
		{"closed resolved", state(models.StatusClosed, "h", true), resolved, "h", service.ActionNoop},
		{"older event is stale", state(models.StatusOpen, "h", true), oldFiring, "h2", service.ActionSkipStale},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, service.Decide(tc.state, tc.alert, tc.hash))
		})
	}
}

func TestContentHash(t *testing.T) {
	a := &models.NormalizedAlert{Title: "t", Team: "infra", Priority: models.PriorityP1}
	b := *a
	assert.Equal(t, service.ContentHash(a), service.ContentHash(&b))

	b.Priority = models.PriorityP2
	assert.NotEqual(t, service.ContentHash(a), service.ContentHash(&b))

	// Разделитель не дает склеить соседние поля.
	c := &models.NormalizedAlert{Title: "ab", Description: "c"}
	d := &models.NormalizedAlert{Title: "a", Description: "bc"}
	assert.NotEqual(t, service.ContentHash(c), service.ContentHash(d))

	// Метки и время начала попадают в тело issue.
	e := *a
	e.Labels = map[string]string{"instance": "host-a"}
	f := *a
	f.Labels = map[string]string{"instance": "host-b"}
	assert.NotEqual(t, service.ContentHash(&e), service.ContentHash(&f))

	g := *a
	g.StartedAt = a.StartedAt.Add(time.Minute)
	assert.NotEqual(t, service.ContentHash(a), service.ContentHash(&g))
}

func TestRenderIssue(t *testing.T) {
	alert := &models.NormalizedAlert{
		Source:      "grafana",
		Fingerprint: "abc123",
		Title:       "HighCPU",
		Team:        "infra",
		Priority:    models.PriorityP1,
		SourceURL:   "https://grafana/alert",
		Labels:      map[string]string{"b": "2", "a": "1"},
		StartedAt:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	content := service.RenderIssue(alert)
	assert.Equal(t, "[P1] HighCPU", content.Title)
	assert.Equal(t, []string{"alert", "team:infra", "priority:P1", "source:grafana"}, content.Labels)
	assert.Contains(t, content.Body, service.FingerprintMarker("abc123"))
	assert.Contains(t, content.Body, "| Started | 2025-03-01T10:00:00Z |")
	assert.Less(t, strings.Index(content.Body, "`a`"), strings.Index(content.Body, "`b`"))
}

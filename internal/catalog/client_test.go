package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

func TestListCourses_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/courses" {
			t.Fatalf("path = %s, want /api/courses", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]model.Course{
			{ID: "c1", Title: "Go basics", Price: 500000},
			{ID: "c2", Price: 250000},
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	courses, err := client.ListCourses(ctx)
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, "c1", courses[0].ID)
	assert.Equal(t, int64(500000), courses[0].Price)
}

func TestGetCourse_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/courses/missing" {
			t.Fatalf("path = %s, want /api/courses/missing", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetCourse(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetCourse_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetCourse(context.Background(), "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrNotFound)
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic("c2:250000, c1:500000,,")
	require.NoError(t, err)

	courses, err := s.ListCourses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Course{{ID: "c1", Price: 500000}, {ID: "c2", Price: 250000}}, courses)

	c, err := s.GetCourse(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, int64(250000), c.Price)

	_, err = s.GetCourse(context.Background(), "c3")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = ParseStatic("c1:abc")
	assert.Error(t, err)
	_, err = ParseStatic(":100")
	assert.Error(t, err)
}

package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"crisiswatch/api/internal/cache"
	"crisiswatch/api/internal/store"
)

func sampleRecords() []store.ConflictRecord {
	population := 250000
	return []store.ConflictRecord{
		{ID: 1, Country: "Nigeria", Admin1: "Adamawa", Population: &population, Events: 5, Score: 40},
		{ID: 2, Country: "Nigeria", Admin1: "Borno", Events: 12, Score: 85},
	}
}

func TestListConflictsEndpoint(t *testing.T) {
	var gotLimit, gotOffset int
	fs := &fakeStore{
		listConflictsFn: func(_ context.Context, countries []string, limit, offset int) ([]store.ConflictRecord, int, error) {
			gotLimit = limit
			gotOffset = offset
			return sampleRecords(), 2, nil
		},
	}
	server, _ := newTestServer(t, fs, newFakeCache())

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts", userToken(t, "1", false), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if gotLimit != defaultPerPage || gotOffset != 0 {
		t.Errorf("expected default paging limit=%d offset=0, got limit=%d offset=%d", defaultPerPage, gotLimit, gotOffset)
	}
	if body["page"] != float64(1) || body["per_page"] != float64(defaultPerPage) {
		t.Errorf("unexpected paging echo: page=%v per_page=%v", body["page"], body["per_page"])
	}
	rows, ok := body["data"].([]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %v", body["data"])
	}
	first := rows[0].(map[string]any)
	if first["country"] != "Nigeria" || first["admin1"] != "Adamawa" {
		t.Errorf("unexpected first row: %v", first)
	}
	if first["population"] != float64(250000) {
		t.Errorf("expected population 250000, got %v", first["population"])
	}
}

func TestListConflictsEndpointValidation(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())
	token := userToken(t, "1", false)

	tests := []struct {
		name  string
		query string
	}{
		{"non-numeric page", "?page=abc"},
		{"zero page", "?page=0"},
		{"non-numeric per_page", "?per_page=lots"},
		{"per_page above ceiling", "?per_page=101"},
		{"hostile countries filter", "?countries=Sudan%3BDROP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts"+tt.query, token, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
			}
			if body["code"] != "VALIDATION_ERROR" {
				t.Errorf("expected code VALIDATION_ERROR, got %v", body["code"])
			}
		})
	}
}

func TestConflictsByCountryEndpoint(t *testing.T) {
	fs := &fakeStore{
		getConflictsByCountriesFn: func(_ context.Context, countries []string) ([]store.ConflictRecord, error) {
			return sampleRecords(), nil
		},
	}
	server, _ := newTestServer(t, fs, newFakeCache())

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts/Nigeria", userToken(t, "1", false), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["country"] != "Nigeria" {
		t.Errorf("expected country Nigeria, got %v", body["country"])
	}
	entries, ok := body["admin1_entries"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 admin1 entries, got %v", body["admin1_entries"])
	}
}

func TestConflictsByCountryEndpointNotFound(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts/Atlantis", userToken(t, "1", false), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %v", body["code"])
	}
}

func TestConflictsByCountryEndpointRejectsInvalidCharacters(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts/Bad%3BCountry", userToken(t, "1", false), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
	}
}

func TestRiskScoreEndpoint(t *testing.T) {
	fs := &fakeStore{
		averageScoreFn: func(context.Context, string) (float64, int, error) {
			return 62.5, 2, nil
		},
	}
	fc := newFakeCache()
	server, _ := newTestServer(t, fs, fc)
	token := userToken(t, "1", false)

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts/Nigeria/riskscore", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["avg_score"] != 62.5 {
		t.Errorf("expected avg_score 62.5, got %v", body["avg_score"])
	}
	if _, cached := fc.entries["Nigeria"]; !cached {
		t.Error("expected the computed score to be cached")
	}
}

func TestRiskScoreEndpointServedFromCache(t *testing.T) {
	fs := &fakeStore{}
	fc := newFakeCache()
	fc.entries["Nigeria"] = cache.Entry{Country: "Nigeria", AvgScore: 70, ComputedAt: time.Now()}
	server, _ := newTestServer(t, fs, fc)

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts/Nigeria/riskscore", userToken(t, "1", false), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if body["avg_score"] != float64(70) {
		t.Errorf("expected cached avg_score 70, got %v", body["avg_score"])
	}
	if fs.averageScoreCalls != 0 {
		t.Errorf("expected no aggregate query on a cache hit, got %d", fs.averageScoreCalls)
	}
}

func TestRiskScoreEndpointNotFound(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())

	resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts/Atlantis/riskscore", userToken(t, "1", false), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", resp.StatusCode, body)
	}
}

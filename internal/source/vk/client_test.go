package vk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var fetchTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		Token:   "secret",
		BaseURL: srv.URL,
		Now:     func() time.Time { return fetchTime },
	})
}

func TestFetch_Roster(t *testing.T) {
	var gotPath, gotToken, gotVersion, gotFields string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		r.ParseForm()
		gotPath = r.URL.Path
		gotToken = r.PostForm.Get("access_token")
		gotVersion = r.PostForm.Get("v")
		gotFields = r.PostForm.Get("fields")
		w.Write([]byte(`{"response":{"count":5,"items":[
			{"id":1,"first_name":"Ivan","last_name":"Petrov","online":1,"last_seen":{"time":1709290000,"platform":7}},
			{"id":2,"first_name":"Anna","last_name":"Sidorova","online":0},
			{"id":3,"first_name":"","last_name":"Empty","online":0},
			{"id":4,"first_name":"No","last_name":"Flag"},
			{"id":5,"first_name":"Str","last_name":"Online","online":"1"},
			{"first_name":"No","last_name":"Id","online":0},
			{"id":6,"first_name":"Loose","last_name":"Seen","online":0,"last_seen":{"time":"1709280000","platform":"x"}}
		]}}`))
	})

	entities, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/friends.get" || gotToken != "secret" || gotVersion != DefaultAPIVersion || gotFields != "last_seen,online" {
		t.Errorf("request = %s token=%s v=%s fields=%s", gotPath, gotToken, gotVersion, gotFields)
	}
	if len(entities) != 3 {
		t.Fatalf("len(entities) = %d, want 3: %+v", len(entities), entities)
	}

	ivan := entities[0]
	if ivan.ID != "1" || ivan.Name != "Ivan Petrov" || !ivan.Online {
		t.Errorf("ivan = %+v", ivan)
	}
	if !ivan.LastSeenAt.Equal(time.Unix(1709290000, 0)) || ivan.LastSeenPlatform != 7 {
		t.Errorf("ivan last seen = %v/%d", ivan.LastSeenAt, ivan.LastSeenPlatform)
	}

	anna := entities[1]
	if anna.Online || !anna.LastSeenAt.Equal(fetchTime) || anna.LastSeenPlatform != 0 {
		t.Errorf("anna = %+v, want offline seen at fetch time", anna)
	}

	loose := entities[2]
	if loose.ID != "6" || !loose.LastSeenAt.Equal(time.Unix(1709280000, 0)) || loose.LastSeenPlatform != 0 {
		t.Errorf("loose = %+v", loose)
	}
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		malformed bool
		apiErr    bool
	}{
		{"api error", 200, `{"error":{"error_code":5,"error_msg":"User authorization failed"}}`, false, true},
		{"not json", 200, `<html>`, true, false},
		{"missing response", 200, `{}`, true, false},
		{"items not array", 200, `{"response":{"items":{}}}`, true, false},
		{"http error", 502, `bad gateway`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			entities, err := c.Fetch(context.Background())
			if err == nil {
				t.Fatalf("expected error, got %d entities", len(entities))
			}
			if got := errors.Is(err, ErrMalformedResponse); got != tt.malformed {
				t.Errorf("malformed = %v, want %v (err %v)", got, tt.malformed, err)
			}
			var apiErr *APIError
			if got := errors.As(err, &apiErr); got != tt.apiErr {
				t.Errorf("api error = %v, want %v (err %v)", got, tt.apiErr, err)
			}
			if tt.apiErr && apiErr.Code != 5 {
				t.Errorf("code = %d, want 5", apiErr.Code)
			}
		})
	}
}

func TestFetch_EmptyRoster(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"count":0,"items":[]}}`))
	})
	entities, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("len(entities) = %d, want 0", len(entities))
	}
}

func TestFetch_MissingToken(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1/"})
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// The request context is only cancelled once the body has been read.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	// Runs before the server's Close, which waits for the handler.
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Fetch(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

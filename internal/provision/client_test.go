package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func TestCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rooms/credentials" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["interview_id"] != "iv-1" {
			t.Errorf("interview_id = %q", req["interview_id"])
		}
		_ = json.NewEncoder(w).Encode(Credentials{
			RoomID: "room-1",
			UserID: "user-1",
			Token:  "tok",
			AppID:  "app",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	creds, err := c.Credentials(context.Background(), "iv-1")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.RoomID != "room-1" || creds.Token != "tok" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestCredentialsRequiresInterviewID(t *testing.T) {
	t.Parallel()

	c := NewClient("http://unused", time.Second)
	_, err := c.Credentials(context.Background(), "")
	if !errdefs.IsInvalidArgument(err) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusNotFound, errdefs.IsNotFound, "not found"},
		{http.StatusConflict, errdefs.IsConflict, "conflict"},
		{http.StatusBadRequest, errdefs.IsInvalidArgument, "invalid argument"},
		{http.StatusInternalServerError, errdefs.IsInternal, "internal"},
		{http.StatusServiceUnavailable, errdefs.IsUnavailable, "unavailable"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewClient(srv.URL, time.Second)
		err := c.StartAgent(context.Background(), "iv-1", "room-1")
		srv.Close()
		if err == nil || !tc.check(err) {
			t.Errorf("status %d: err = %v, want %s", tc.status, err, tc.name)
		}
	}
}

func TestUnreachableServiceIsUnavailable(t *testing.T) {
	t.Parallel()

	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	err := c.StopAgent(context.Background(), "iv-1", "room-1")
	if !errdefs.IsUnavailable(err) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestIncompleteCredentialsRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Credentials{RoomID: "room-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Credentials(context.Background(), "iv-1")
	if !errdefs.IsInternal(err) {
		t.Fatalf("err = %v, want internal", err)
	}
}

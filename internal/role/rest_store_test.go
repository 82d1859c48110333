package role

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/authgate/internal/model"
)

const testUserID = "6f1c2b9e-0a4d-4e4f-9a3b-1d2c3e4f5a6b"

func newTestRESTStore(t *testing.T, handler http.HandlerFunc) *RESTStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRESTStore(server.Client(), server.URL, "service-key", nil)
}

func TestRESTStore_Get(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/user_roles" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "eq."+testUserID {
			t.Errorf("user_id = %q", got)
		}
		if got := r.URL.Query().Get("select"); got != "role" {
			t.Errorf("select = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "service-key" {
			t.Errorf("apikey = %q, want service key", got)
		}
		json.NewEncoder(w).Encode([]map[string]string{{"role": "Admin"}})
	})

	role, found, err := s.Get(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || role != model.RoleAdmin {
		t.Errorf("got (%q, %v), want (Admin, true)", role, found)
	}
}

func TestRESTStore_Get_NoRow(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	_, found, err := s.Get(context.Background(), testUserID)
	if err != nil || found {
		t.Errorf("got (found=%v, err=%v), want (false, nil)", found, err)
	}
}

func TestRESTStore_RejectsNonUUIDBeforeRequest(t *testing.T) {
	var called bool
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, _, err := s.Get(context.Background(), "1&role=eq.Admin")
	if !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("err = %v, want ErrInvalidUserID", err)
	}
	if called {
		t.Error("request must not be sent for an invalid user id")
	}
}

func TestRESTStore_InsertAndUpsert_PreferHeaders(t *testing.T) {
	tests := []struct {
		name       string
		call       func(s *RESTStore) error
		resolution string
	}{
		{"InsertIfAbsent", func(s *RESTStore) error {
			return s.InsertIfAbsent(context.Background(), testUserID, model.RoleDailyUser)
		}, "resolution=ignore-duplicates"},
		{"Upsert", func(s *RESTStore) error {
			return s.Upsert(context.Background(), testUserID, model.RoleManager)
		}, "resolution=merge-duplicates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if r.URL.Query().Get("on_conflict") != "user_id" {
					t.Errorf("on_conflict = %q", r.URL.Query().Get("on_conflict"))
				}
				prefer := r.Header.Get("Prefer")
				if !strings.Contains(prefer, "return=minimal") || !strings.Contains(prefer, tt.resolution) {
					t.Errorf("Prefer = %q", prefer)
				}
				var body map[string]string
				json.NewDecoder(r.Body).Decode(&body)
				if body["user_id"] != testUserID || body["role"] == "" {
					t.Errorf("body = %v", body)
				}
				w.WriteHeader(http.StatusCreated)
			})

			if err := tt.call(s); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRESTStore_ErrorStatus(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"permission denied"}`))
	})

	err := s.Upsert(context.Background(), testUserID, model.RoleAdmin)
	if StatusOf(err) != http.StatusForbidden {
		t.Errorf("StatusOf = %d, want 403 (err=%v)", StatusOf(err), err)
	}
}

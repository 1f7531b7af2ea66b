package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/z-chat/backend/internal/lock"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store"
)

func newTestRouter() http.Handler {
	return NewRouter(Dependencies{
		Chat:   chatService.NewService(store.NewMemoryStore(), nil),
		Locker: lock.NewMemoryLocker(),
	})
}

func TestHealthz(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() != "{\"status\":\"ok\"}\n" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/conversations/abc/messages", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()

	newTestRouter().ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestRoutesMounted(t *testing.T) {
	r := newTestRouter()

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/characters", http.StatusOK},
		{http.MethodGet, "/api/conversations", http.StatusOK},
		{http.MethodGet, "/api/conversations/missing/messages", http.StatusNotFound},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(tc.method, tc.path, nil))
		if resp.Code != tc.want {
			t.Errorf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, resp.Code)
		}
	}
}

package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{base: srv.URL, userAgent: "test", client: srv.Client()}
}

func TestClientReverseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("accept-language"); got != "en" {
			t.Errorf("accept-language = %q, want en", got)
		}
		if got := r.Header.Get("User-Agent"); got != "test" {
			t.Errorf("user-agent = %q", got)
		}
		w.Write([]byte(`{
            "display_name": "Malleswaram, Bengaluru, Karnataka, India",
            "address": {"town": "Malleswaram", "state": "Karnataka", "country": "India"}
        }`))
	}))
	defer srv.Close()

	resp, err := testClient(srv).Reverse(context.Background(), 13.03, 77.57, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// town 在无 city 字段时充当城市
	if got := firstNonEmpty(resp.Address.City, resp.Address.Town, resp.Address.Village, resp.Address.Hamlet); got != "Malleswaram" {
		t.Errorf("city fallback = %q, want Malleswaram", got)
	}
	if resp.Address.Country != "India" {
		t.Errorf("country = %q", resp.Address.Country)
	}
	if resp.DisplayName == "" {
		t.Error("display_name must be set")
	}
}

func TestClientReverseNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "Unable to geocode"}`))
	}))
	defer srv.Close()

	resp, err := testClient(srv).Reverse(context.Background(), 0, 0, "en")
	if err != nil {
		t.Fatalf("no-result must not be an error, got %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil for no result", resp)
	}
}

func TestClientReverseUnavailable(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		_, err := testClient(srv).Reverse(context.Background(), 1, 2, "en")
		srv.Close()
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("status %d: err = %v, want ErrUnavailable", code, err)
		}
	}
}

func TestClientReverseServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(srv).Reverse(context.Background(), 1, 2, "en")
	if !errors.Is(err, ErrService) {
		t.Errorf("err = %v, want ErrService", err)
	}
}

func TestClientReverseTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(srv)
	c.client = &http.Client{Timeout: 20 * time.Millisecond}
	_, err := c.Reverse(context.Background(), 1, 2, "en")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kokoavailable/wavemu/configure"
	"github.com/kokoavailable/wavemu/sv"

	"github.com/dgrijalva/jwt-go"
)

type fakeController struct {
	stops atomic.Int32
}

func (f *fakeController) Status() sv.Status {
	return sv.Status{ID: "live", State: "streaming", FramesSent: 7}
}

func (f *fakeController) Stop() { f.stops.Add(1) }

type statusResponse struct {
	Status int       `json:"status"`
	Data   sv.Status `json:"data"`
}

func newTestServer(jwtCfg configure.JWT) (*fakeController, http.Handler) {
	store := configure.NewLocalStatusStore()
	store.Publish(sv.Status{ID: "old", State: "stopped", FramesSent: 256})
	ctl := &fakeController{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wavemu_frames_sent_total 1\n"))
	})
	return ctl, NewServer(ctl, store, Options{JWT: jwtCfg, Metrics: metrics}).Handler()
}

func do(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStat(t *testing.T) {
	_, h := newTestServer(configure.JWT{})
	rec := do(h, http.MethodGet, "/stat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var res statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Data.ID != "live" || res.Data.FramesSent != 7 {
		t.Fatalf("unexpected body %s", rec.Body)
	}
}

func TestStoredStat(t *testing.T) {
	_, h := newTestServer(configure.JWT{})
	rec := do(h, http.MethodGet, "/stat/old", "")
	var res statusResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusOK || res.Data.FramesSent != 256 {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, http.MethodGet, "/stat/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStopEndpoint(t *testing.T) {
	ctl, h := newTestServer(configure.JWT{})
	if rec := do(h, http.MethodGet, "/control/stop", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET stop: %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/control/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("POST stop: %d", rec.Code)
	}
	if ctl.stops.Load() != 1 {
		t.Fatalf("expected one Stop call, got %d", ctl.stops.Load())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(configure.JWT{})
	rec := do(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "wavemu_frames_sent_total 1\n" {
		t.Fatalf("unexpected %d %q", rec.Code, rec.Body)
	}
}

func TestJWTRequired(t *testing.T) {
	secret := "s3cret"
	ctl, h := newTestServer(configure.JWT{Secret: secret})

	if rec := do(h, http.MethodPost, "/control/stop", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}
	bad, _ := jwt.New(jwt.SigningMethodHS256).SignedString([]byte("other"))
	if rec := do(h, http.MethodPost, "/control/stop", bad); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with foreign token, got %d", rec.Code)
	}
	if ctl.stops.Load() != 0 {
		t.Fatal("stop must not run without a valid token")
	}

	good, err := jwt.New(jwt.SigningMethodHS256).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	if rec := do(h, http.MethodPost, "/control/stop", good); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/stat?jwt="+good, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rec.Code)
	}
	if ctl.stops.Load() != 1 {
		t.Fatalf("expected one Stop call, got %d", ctl.stops.Load())
	}
}

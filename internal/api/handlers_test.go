package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/0xtitan6/polytrader/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(checks Checks) *Server {
	return NewServer(config.ServerConfig{Addr: "127.0.0.1:0"}, checks, discardLogger())
}

func doRequest(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func healthyCheck(msg string) CheckFunc {
	return func(context.Context) Component {
		return Component{Status: StatusHealthy, Message: msg}
	}
}

func fixedCheck(c Component) CheckFunc {
	return func(context.Context) Component { return c }
}

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) healthReport {
	t.Helper()
	var rep healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	return rep
}

func TestHealthAllComponentsHealthy(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{
		Adapter: healthyCheck("CLOB API responsive"),
		WS:      healthyCheck("connected"),
		Store:   healthyCheck("2 open positions tracked"),
		Wallet:  healthyCheck("USDC: $812.50"),
		Halted:  func() bool { return false },
	})

	rec := doRequest(t, s, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	rep := decodeHealth(t, rec)
	if rep.Status != StatusHealthy {
		t.Errorf("overall = %q, want %q", rep.Status, StatusHealthy)
	}
	if rep.Halted {
		t.Error("halted = true, want false")
	}
	for _, name := range []string{"adapter", "ws", "store", "wallet"} {
		if _, ok := rep.Components[name]; !ok {
			t.Errorf("components missing %q", name)
		}
	}
}

func TestHealthDegradedComponentAnswers503(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{
		Adapter: healthyCheck("ok"),
		Wallet:  fixedCheck(Component{Status: StatusDegraded, Message: "low USDC balance: $0.40"}),
	})

	rec := doRequest(t, s, "/health")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rep := decodeHealth(t, rec); rep.Status != StatusDegraded {
		t.Errorf("overall = %q, want %q", rep.Status, StatusDegraded)
	}
}

func TestHealthDownOutranksDegraded(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{
		WS:    fixedCheck(Component{Status: StatusDegraded, Message: "stale"}),
		Store: fixedCheck(Component{Status: StatusDown, Message: "error: locked"}),
	})

	if rep := decodeHealth(t, doRequest(t, s, "/health")); rep.Status != StatusDown {
		t.Errorf("overall = %q, want %q", rep.Status, StatusDown)
	}
}

func TestHealthHaltedIsInformational(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{
		Store:  healthyCheck("ok"),
		Halted: func() bool { return true },
	})

	rec := doRequest(t, s, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (kill switch is not a failure)", rec.Code, http.StatusOK)
	}
	if rep := decodeHealth(t, rec); !rep.Halted {
		t.Error("halted = false, want true")
	}
}

func TestHealthSkipsNilChecks(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{Store: healthyCheck("ok")})

	rep := decodeHealth(t, doRequest(t, s, "/health"))
	if len(rep.Components) != 1 {
		t.Errorf("reported %d components, want 1", len(rep.Components))
	}
}

func TestReadyFlipsAfterStartup(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{})

	if rec := doRequest(t, s, "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before ready = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	s.SetReady()

	rec := doRequest(t, s, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("status after ready = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"ready":true}` {
		t.Errorf("body = %q, want %q", got, `{"ready":true}`)
	}
}

func TestRootLivenessAndNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{})

	rec := doRequest(t, s, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"alive"}` {
		t.Errorf("body = %q, want %q", got, `{"status":"alive"}`)
	}

	if rec := doRequest(t, s, "/orders"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /orders = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestContentLengthCountsBytes(t *testing.T) {
	t.Parallel()
	s := newTestServer(Checks{
		Store: fixedCheck(Component{Status: StatusHealthy, Message: "résumé 5€"}),
	})

	rec := doRequest(t, s, "/health")

	wantLen := strconv.Itoa(rec.Body.Len())
	if got := rec.Header().Get("Content-Length"); got != wantLen {
		t.Errorf("Content-Length = %s, want %s", got, wantLen)
	}
	if rec.Body.Len() == len([]rune(rec.Body.String())) {
		t.Fatal("test body has no multibyte characters, cannot distinguish bytes from runes")
	}
}

func TestAdapterCheck(t *testing.T) {
	t.Parallel()

	ok := AdapterCheck(func(context.Context) error { return nil })(context.Background())
	if ok.Status != StatusHealthy {
		t.Errorf("status = %q, want %q", ok.Status, StatusHealthy)
	}
	if ok.LatencyMS < 0 {
		t.Errorf("latency = %v, want >= 0", ok.LatencyMS)
	}

	down := AdapterCheck(func(context.Context) error { return errors.New("dial timeout") })(context.Background())
	if down.Status != StatusDown {
		t.Errorf("status = %q, want %q", down.Status, StatusDown)
	}
	if !strings.Contains(down.Message, "dial timeout") {
		t.Errorf("message = %q, want the probe error", down.Message)
	}
}

func TestFeedCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		connected bool
		lastAt    time.Time
		want      Status
	}{
		{"disconnected", false, time.Now(), StatusDown},
		{"connected but silent", true, time.Time{}, StatusDegraded},
		{"connected and fresh", true, time.Now().Add(-2 * time.Second), StatusHealthy},
		{"connected but stale", true, time.Now().Add(-5 * time.Minute), StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			check := FeedCheck(
				func() bool { return tc.connected },
				func() time.Time { return tc.lastAt },
				30*time.Second,
			)
			if got := check(context.Background()); got.Status != tc.want {
				t.Errorf("status = %q, want %q", got.Status, tc.want)
			}
		})
	}
}

type countStub struct {
	n   int
	err error
}

func (c countStub) CountOpenPositions(context.Context) (int, error) { return c.n, c.err }

func TestStoreCheck(t *testing.T) {
	t.Parallel()

	ok := StoreCheck(countStub{n: 3})(context.Background())
	if ok.Status != StatusHealthy {
		t.Errorf("status = %q, want %q", ok.Status, StatusHealthy)
	}
	if want := "3 open positions tracked"; ok.Message != want {
		t.Errorf("message = %q, want %q", ok.Message, want)
	}

	down := StoreCheck(countStub{err: errors.New("database is locked")})(context.Background())
	if down.Status != StatusDown {
		t.Errorf("status = %q, want %q", down.Status, StatusDown)
	}
}

func TestWalletCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		balance float64
		lowUSD  float64
		err     error
		want    Status
	}{
		{"funded", 812.50, 0, nil, StatusHealthy},
		{"nearly empty", 0.40, 0, nil, StatusDegraded},
		{"below configured minimum", 40, 50, nil, StatusDegraded},
		{"above configured minimum", 60, 50, nil, StatusHealthy},
		{"rpc error", 0, 0, errors.New("rpc unreachable"), StatusDown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			check := WalletCheck(func(context.Context) (float64, error) { return tc.balance, tc.err }, tc.lowUSD)
			if got := check(context.Background()); got.Status != tc.want {
				t.Errorf("status = %q, want %q", got.Status, tc.want)
			}
		})
	}
}

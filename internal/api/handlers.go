package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// healthTimeout bounds the component probes behind one /health request.
const healthTimeout = 5 * time.Second

// lowBalanceUSD is where the wallet check degrades: below this the bot
// cannot place even a minimum-size order.
const lowBalanceUSD = 1.0

// Status grades one component or the whole system.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func severity(s Status) int {
	switch s {
	case StatusDown:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Component is one dependency's probe result.
type Component struct {
	Status    Status  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// CheckFunc probes one dependency. Probes must respect ctx's deadline.
type CheckFunc func(ctx context.Context) Component

// Checks are the component probes behind /health plus the kill switch
// flag. Nil members are skipped.
type Checks struct {
	Adapter CheckFunc
	WS      CheckFunc
	Store   CheckFunc
	Wallet  CheckFunc
	Halted  func() bool
}

// healthReport is the /health response body. Halted is informational:
// an engaged kill switch is an operator decision, not a failure, and it
// does not flip the HTTP status.
type healthReport struct {
	Status        Status               `json:"status"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Halted        bool                 `json:"halted"`
	Components    map[string]Component `json:"components"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	rep := healthReport{
		Status:        StatusHealthy,
		UptimeSeconds: math.Round(time.Since(s.start).Seconds()*10) / 10,
		Components:    make(map[string]Component),
	}
	for name, check := range map[string]CheckFunc{
		"adapter": s.checks.Adapter,
		"ws":      s.checks.WS,
		"store":   s.checks.Store,
		"wallet":  s.checks.Wallet,
	} {
		if check == nil {
			continue
		}
		c := check(ctx)
		rep.Components[name] = c
		if severity(c.Status) > severity(rep.Status) {
			rep.Status = c.Status
		}
	}
	if s.checks.Halted != nil {
		rep.Halted = s.checks.Halted()
	}

	code := http.StatusOK
	if rep.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
		s.logger.Warn("health check not healthy", "status", rep.Status)
	}
	writeJSON(w, code, rep)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// writeJSON sets an explicit Content-Length in bytes before the body so
// probes reading exactly that many bytes never hang on multibyte text.
func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	w.Write(b)
}

// ————————————————————————————————————————————————————————————————————————
// Standard component probes
// ————————————————————————————————————————————————————————————————————————

// AdapterCheck probes exchange REST connectivity and reports the round
// trip latency.
func AdapterCheck(healthy func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Component {
		start := time.Now()
		if err := healthy(ctx); err != nil {
			return Component{Status: StatusDown, Message: "error: " + err.Error()}
		}
		ms := math.Round(time.Since(start).Seconds()*1000*10) / 10
		return Component{Status: StatusHealthy, Message: "CLOB API responsive", LatencyMS: ms}
	}
}

// FeedCheck grades the WebSocket feed: down when disconnected, degraded
// when connected but silent past staleAfter.
func FeedCheck(connected func() bool, lastAt func() time.Time, staleAfter time.Duration) CheckFunc {
	return func(ctx context.Context) Component {
		if !connected() {
			return Component{Status: StatusDown, Message: "disconnected"}
		}
		last := lastAt()
		if last.IsZero() {
			return Component{Status: StatusDegraded, Message: "connected, no messages yet"}
		}
		age := time.Since(last)
		if age > staleAfter {
			return Component{Status: StatusDegraded, Message: fmt.Sprintf("connected but stale (%.0fs)", age.Seconds())}
		}
		return Component{Status: StatusHealthy, Message: fmt.Sprintf("connected, last message %.0fs ago", age.Seconds())}
	}
}

// PositionCounter is the store probe; the count doubles as a liveness
// query and a useful readout.
type PositionCounter interface {
	CountOpenPositions(ctx context.Context) (int, error)
}

// StoreCheck probes the database through a real query.
func StoreCheck(st PositionCounter) CheckFunc {
	return func(ctx context.Context) Component {
		n, err := st.CountOpenPositions(ctx)
		if err != nil {
			return Component{Status: StatusDown, Message: "error: " + err.Error()}
		}
		return Component{Status: StatusHealthy, Message: fmt.Sprintf("%d open positions tracked", n)}
	}
}

// WalletCheck reads the USDC balance, degrading below lowUSD (the
// configured minimum, or $1 when unset: below that no order clears the
// exchange minimum anyway).
func WalletCheck(balance func(ctx context.Context) (float64, error), lowUSD float64) CheckFunc {
	if lowUSD <= 0 {
		lowUSD = lowBalanceUSD
	}
	return func(ctx context.Context) Component {
		bal, err := balance(ctx)
		if err != nil {
			return Component{Status: StatusDown, Message: "error: " + err.Error()}
		}
		if bal < lowUSD {
			return Component{Status: StatusDegraded, Message: fmt.Sprintf("low USDC balance: $%.2f", bal)}
		}
		return Component{Status: StatusHealthy, Message: fmt.Sprintf("USDC: $%.2f", bal)}
	}
}

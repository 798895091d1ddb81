package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"solidarity/internal/app"
	"solidarity/internal/config"
	"solidarity/internal/hmacauth"
	"solidarity/internal/idempotency"
	"solidarity/internal/metrics"
	"solidarity/internal/txn"
	"solidarity/internal/units"
	"solidarity/internal/view"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"

	maxStateWait = 25 * time.Second
)

// Sessions yields the live wallet session, if any.
type Sessions interface {
	Current() (*app.Runtime, error)
}

type Server struct {
	cfg        config.ServiceConfig
	sessions   Sessions
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Registry
	log        *zap.Logger
	dbHealthFn func(context.Context) error

	inflightMu sync.Mutex
	inflight   map[string]*inflightWrite
}

// inflightWrite is a submission still running under a scoped key. Requests
// repeating the key wait on done and answer with the same outcome.
type inflightWrite struct {
	done chan struct{}
	code int
	body []byte
}

func NewServer(cfg config.ServiceConfig, sessions Sessions, store idempotency.Store, log *zap.Logger, m *metrics.Registry) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("server")

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.HMACSecret,
			MaxSkew: cfg.HMACClockSkew,
			Logger:  log,
		},
		router:   mux.NewRouter(),
		metrics:  m,
		log:      log,
		inflight: make(map[string]*inflightWrite),
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	writes := api.NewRoute().Subrouter()
	writes.Use(s.hmac.Middleware)
	writes.HandleFunc("/payments", s.handlePayments).Methods(http.MethodPost)
	writes.HandleFunc("/releases", s.handleReleases).Methods(http.MethodPost)
}

// Handler is the routed API wrapped in CORS.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			headerIdempotencyKey,
			hmacauth.DefaultSignatureHeader,
			hmacauth.DefaultTimestampHeader,
		},
		ExposedHeaders: []string{headerRequestID},
	}).Handler(s.router)
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type amounts struct {
	Contribution     string `json:"contribution"`
	AmountReleased   string `json:"amountReleased"`
	ContractBalance  string `json:"contractBalance"`
	TotalReleased    string `json:"totalReleased"`
	TotalContributed string `json:"totalContributed"`
	Withdrawable     string `json:"withdrawable"`
}

type stateResponse struct {
	Connected     bool        `json:"connected"`
	Banner        string      `json:"banner,omitempty"`
	SessionID     uint64      `json:"sessionId,omitempty"`
	Account       string      `json:"account,omitempty"`
	NetworkID     string      `json:"networkId,omitempty"`
	Contract      string      `json:"contract,omitempty"`
	Description   string      `json:"description,omitempty"`
	Loaded        bool        `json:"loaded"`
	Generation    uint64      `json:"generation,omitempty"`
	RefreshedAt   *time.Time  `json:"refreshedAt,omitempty"`
	Shares        uint64      `json:"shares"`
	Balances      *amounts    `json:"balances,omitempty"`
	CanWithdraw   bool        `json:"canWithdraw"`
	IsPayee       bool        `json:"isPayee"`
	IsContributor bool        `json:"isContributor"`
	Layout        view.Layout `json:"layout,omitempty"`
	Transactions  *txn.Status `json:"transactions,omitempty"`
}

// handleState reports the session and its latest snapshot. With ?after=N
// it long-polls until a snapshot newer than generation N is published.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	rt, err := s.sessions.Current()
	if err != nil {
		writeJSON(w, http.StatusOK, stateResponse{Banner: bannerText(err)})
		return
	}

	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a generation number")
			return
		}
		waitForGeneration(r.Context(), rt, after)
	}

	writeJSON(w, http.StatusOK, stateFor(rt))
}

func waitForGeneration(ctx context.Context, rt *app.Runtime, after uint64) {
	timer := time.NewTimer(maxStateWait)
	defer timer.Stop()
	for {
		updates := rt.Balances.Updates()
		if snap := rt.Balances.Current(); snap != nil && snap.Generation > after {
			return
		}
		select {
		case <-updates:
		case <-ctx.Done():
			return
		case <-rt.Context().Done():
			return
		case <-timer.C:
			return
		}
	}
}

func stateFor(rt *app.Runtime) stateResponse {
	status := rt.Submitter.Status()
	resp := stateResponse{
		Connected:    true,
		SessionID:    rt.SessionID,
		Account:      rt.Address.Hex(),
		NetworkID:    rt.NetworkID.String(),
		Description:  rt.Description,
		Transactions: &status,
	}
	if addr, ok := rt.Gateway.Address(); ok {
		resp.Contract = addr.Hex()
	}

	snap := rt.Balances.Current()
	if snap == nil {
		return resp
	}
	v := view.Compute(snap)
	refreshed := snap.RefreshedAt
	resp.Loaded = true
	resp.Generation = snap.Generation
	resp.RefreshedAt = &refreshed
	resp.Shares = v.Shares
	resp.Balances = &amounts{
		Contribution:     units.FormatEther(v.Contribution),
		AmountReleased:   units.FormatEther(v.AmountReleased),
		ContractBalance:  units.FormatEther(v.ContractBalance),
		TotalReleased:    units.FormatEther(v.TotalReleased),
		TotalContributed: units.FormatEtherFixed(v.TotalContributed, 2),
		Withdrawable:     units.FormatEther(v.Withdrawable),
	}
	resp.CanWithdraw = v.CanWithdraw
	resp.IsPayee = v.IsPayee
	resp.IsContributor = v.IsContributor
	resp.Layout = v.Layout
	return resp
}

func bannerText(err error) string {
	if errors.Is(err, app.ErrNotConnected) {
		return view.ConnectBanner
	}
	return err.Error()
}

type paymentRequest struct {
	Amount string `json:"amount"`
}

type submissionResponse struct {
	Kind   txn.Kind `json:"kind"`
	Status string   `json:"status"`
	TxHash string   `json:"txHash,omitempty"`
	Block  uint64   `json:"block,omitempty"`
	Value  string   `json:"value,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, txn.KindPayment, func(ctx context.Context, rt *app.Runtime) (txn.Result, error) {
		var payload paymentRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return txn.Result{}, errBadPayload
		}
		return rt.Submitter.SubmitPayment(ctx, strings.TrimSpace(payload.Amount))
	})
}

func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, txn.KindRelease, func(ctx context.Context, rt *app.Runtime) (txn.Result, error) {
		return rt.Submitter.SubmitRelease(ctx)
	})
}

var errBadPayload = errors.New("invalid json payload")

// submit runs one write under an idempotency key scoped to the session
// account. Mined and failed-on-chain outcomes are stored and replayed;
// rejections before anything was sent are not. A request repeating a key
// that is still running waits for it and gets the same response.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind txn.Kind, run func(context.Context, *app.Runtime) (txn.Result, error)) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing "+headerIdempotencyKey+" header")
		return
	}

	rt, err := s.sessions.Current()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, bannerText(err))
		return
	}

	ctx := r.Context()
	scoped := idempotency.ScopedKey(rt.Address.Hex(), string(kind), key)

	s.inflightMu.Lock()
	if running, ok := s.inflight[scoped]; ok {
		s.inflightMu.Unlock()
		select {
		case <-running.done:
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "request canceled")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(running.code)
		_, _ = w.Write(running.body)
		s.metrics.IncTransaction(string(kind), "cached")
		return
	}
	current := &inflightWrite{done: make(chan struct{})}
	s.inflight[scoped] = current
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, scoped)
		s.inflightMu.Unlock()
		close(current.done)
	}()

	existing, err := s.store.Get(ctx, scoped)
	if err != nil {
		s.log.Warn("idempotency lookup failed", zap.String("key", scoped), zap.Error(err))
	}
	if existing != nil {
		current.code, current.body = existing.StatusCode, existing.Body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Body)
		s.metrics.IncTransaction(string(kind), "cached")
		return
	}

	// The write belongs to the session, not the HTTP request: a client
	// that disconnects does not abandon a transaction already sent.
	res, err := run(rt.Context(), rt)
	code, resp := submissionOutcome(kind, res, err)
	body, _ := json.Marshal(resp)
	current.code, current.body = code, body

	if resp.TxHash != "" {
		now := time.Now().UTC()
		rec := idempotency.Record{
			Key:        scoped,
			Kind:       string(kind),
			Account:    rt.Address.Hex(),
			StatusCode: code,
			Body:       body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, rec); err != nil {
			s.log.Warn("idempotency save failed", zap.String("key", scoped), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func submissionOutcome(kind txn.Kind, res txn.Result, err error) (int, submissionResponse) {
	resp := submissionResponse{Kind: kind, TxHash: res.TxHash, Block: res.Block}
	if err == nil {
		resp.Status = "mined"
		if res.Value != nil {
			resp.Value = units.FormatEther(res.Value)
		}
		return http.StatusCreated, resp
	}

	resp.Status = "failed"
	resp.Error = err.Error()
	var writeErr *txn.WriteError
	switch {
	case errors.Is(err, errBadPayload), errors.Is(err, txn.ErrInvalidAmount):
		return http.StatusBadRequest, resp
	case errors.Is(err, txn.ErrPending), errors.Is(err, txn.ErrNothingToWithdraw):
		resp.Status = "rejected"
		return http.StatusConflict, resp
	case errors.As(err, &writeErr):
		return http.StatusBadGateway, resp
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if rt, err := s.sessions.Current(); err != nil {
		rpcInfo.Error = bannerText(err)
		overallHealthy = false
	} else {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rt.Ping(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

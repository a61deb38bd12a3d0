package propagation

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vantus-tm/vantus/core/registry"
	"github.com/vantus-tm/vantus/core/txn"
	"github.com/vantus-tm/vantus/core/xid"
)

// ServerHooks let the caller observe server behavior without coupling this
// package to a metrics library. Any field may be nil.
type ServerHooks struct {
	OnRequest     func(op string)
	OnCompleted   func(op string, status string, elapsed time.Duration)
	OnRateLimited func()
	OnError       func(op string, err error)
}

// ServerConfig controls the propagation server.
type ServerConfig struct {
	Addr string       // UDP listen address, e.g. ":4850"
	TLS  *tls.Config  // required for HTTP/3
	QUIC *quic.Config // optional

	// ImportsPerSecond bounds inbound import rate; 0 disables limiting.
	ImportsPerSecond float64
	ImportBurst      int

	Logger *zap.Logger
	Tracer trace.Tracer
	Hooks  ServerHooks
}

func (c *ServerConfig) setDefaults() error {
	if c.Addr == "" {
		return errors.New("ServerConfig.Addr is required")
	}
	if c.TLS == nil {
		return errors.New("ServerConfig.TLS is required for HTTP/3")
	}
	if c.ImportBurst <= 0 {
		c.ImportBurst = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return nil
}

// Server accepts inbound propagation calls and routes them to the registry
// and the matching imported transaction's phase operations.
type Server struct {
	cfg     ServerConfig
	logger  *zap.Logger
	reg     *registry.Registry
	limiter *rate.Limiter

	server  *http3.Server
	ln      net.PacketConn
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// NewServer builds a propagation server over the given registry.
func NewServer(cfg ServerConfig, reg *registry.Registry) (*Server, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.Named("propagation"),
		reg:    reg,
	}
	if cfg.ImportsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ImportsPerSecond), cfg.ImportBurst)
	}

	s.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    s.Handler(),
		QUICConfig: cfg.QUIC,
	}
	return s, nil
}

// Handler exposes the route mux; it is also what Start serves over HTTP/3.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathImport, s.handleImport)
	mux.HandleFunc(PathPrepare, s.phaseHandler("prepare", s.doPrepare))
	mux.HandleFunc(PathCommit, s.phaseHandler("commit", s.doCommit))
	mux.HandleFunc(PathRollback, s.phaseHandler("rollback", s.doRollback))
	mux.HandleFunc(PathForget, s.phaseHandler("forget", s.doForget))
	mux.HandleFunc(PathRecover, s.handleRecover)
	return mux
}

// Start begins listening on UDP and serving HTTP/3.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("propagation server already started")
	}
	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", s.cfg.Addr, err)
	}
	s.ln = conn
	s.logger.Info("propagation server listening",
		zap.String("addr", conn.LocalAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("propagation serve error", zap.Error(err))
			if s.cfg.Hooks.OnError != nil {
				s.cfg.Hooks.OnError("serve", err)
			}
		}
	}()
	return nil
}

// Close stops the server.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	err := s.server.Close()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.cfg.Hooks.OnRequest != nil {
		s.cfg.Hooks.OnRequest("import")
	}
	_, span := s.cfg.Tracer.Start(r.Context(), "txn.import")
	defer span.End()

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ImportResponse{Status: StatusError, Message: err.Error()})
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		if s.cfg.Hooks.OnRateLimited != nil {
			s.cfg.Hooks.OnRateLimited()
		}
		writeJSON(w, http.StatusTooManyRequests, ImportResponse{Status: StatusError, Message: "import rate exceeded"})
		return
	}

	x, err := xid.Parse(req.Xid)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ImportResponse{Status: StatusError, Message: err.Error()})
		return
	}
	span.SetAttributes(attribute.String("txn.xid", req.Xid))

	_, created, err := s.reg.FindOrImport(x, time.Duration(req.TimeoutMs)*time.Millisecond, req.Subordinate)
	if err != nil {
		s.fail(w, "import", err)
		return
	}
	if s.cfg.Hooks.OnCompleted != nil {
		s.cfg.Hooks.OnCompleted("import", StatusOK, time.Since(start))
	}
	writeJSON(w, http.StatusOK, ImportResponse{Status: StatusOK, Created: created})
}

// phaseHandler wraps the shared decode/lookup/respond flow around one phase
// operation.
func (s *Server) phaseHandler(op string, do func(r *http.Request, tx *txn.Transaction, req PhaseRequest) PhaseResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.cfg.Hooks.OnRequest != nil {
			s.cfg.Hooks.OnRequest(op)
		}
		ctx, span := s.cfg.Tracer.Start(r.Context(), "txn."+op)
		defer span.End()

		var req PhaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, PhaseResponse{Status: StatusError, Message: err.Error()})
			return
		}
		span.SetAttributes(attribute.String("txn.xid", req.Xid))

		tx, ok := s.reg.Find(req.Xid)
		if !ok {
			writeJSON(w, http.StatusNotFound, PhaseResponse{Status: StatusNotFound,
				Message: fmt.Sprintf("no transaction for xid %s", req.Xid)})
			return
		}

		resp := do(r.WithContext(ctx), tx, req)
		code := http.StatusOK
		if resp.Status == StatusError {
			code = http.StatusConflict
		}
		if s.cfg.Hooks.OnCompleted != nil {
			s.cfg.Hooks.OnCompleted(op, resp.Status, time.Since(start))
		}
		writeJSON(w, code, resp)
	}
}

func (s *Server) doPrepare(r *http.Request, tx *txn.Transaction, _ PhaseRequest) PhaseResponse {
	vote, err := tx.SubordinatePrepare(r.Context())
	if err != nil {
		// A local rollback decision is a vote, not a transport failure.
		return PhaseResponse{Status: StatusVoteAbort, Message: err.Error()}
	}
	return PhaseResponse{Status: StatusVoteCommit, Vote: voteToken(vote)}
}

func (s *Server) doCommit(r *http.Request, tx *txn.Transaction, req PhaseRequest) PhaseResponse {
	if err := tx.SubordinateCommit(r.Context(), req.OnePhase); err != nil {
		return PhaseResponse{Status: StatusError, Message: err.Error()}
	}
	return PhaseResponse{Status: StatusCommitted}
}

func (s *Server) doRollback(r *http.Request, tx *txn.Transaction, _ PhaseRequest) PhaseResponse {
	if err := tx.SubordinateRollback(r.Context()); err != nil {
		return PhaseResponse{Status: StatusError, Message: err.Error()}
	}
	return PhaseResponse{Status: StatusAborted}
}

func (s *Server) doForget(r *http.Request, tx *txn.Transaction, _ PhaseRequest) PhaseResponse {
	if err := s.reg.Forget(r.Context(), tx.ID()); err != nil {
		return PhaseResponse{Status: StatusError, Message: err.Error()}
	}
	return PhaseResponse{Status: StatusOK}
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hooks.OnRequest != nil {
		s.cfg.Hooks.OnRequest("recover")
	}
	_, span := s.cfg.Tracer.Start(r.Context(), "txn.recover")
	defer span.End()

	inDoubt := s.reg.InDoubt()
	xids := make([]string, 0, len(inDoubt))
	for _, x := range inDoubt {
		xids = append(xids, x.String())
	}
	writeJSON(w, http.StatusOK, RecoverResponse{Status: StatusOK, Xids: xids})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	if s.cfg.Hooks.OnError != nil {
		s.cfg.Hooks.OnError(op, err)
	}
	s.logger.Warn("propagation request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ImportResponse{Status: StatusError, Message: err.Error()})
}

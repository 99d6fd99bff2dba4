package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/approval"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/orchestrator"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/scanner"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/verifier"
)

// Options carries the collaborators the REST surface is a thin adapter
// over. Version is reported by /health.
type Options struct {
	Version      string
	Orchestrator *orchestrator.Orchestrator
	Plans        *state.PlanStore
	Memory       *state.KVStore
	Registry     *module.Registry
	Gate         *approval.Gate
	Verifier     *verifier.Verifier
	Scanners     *scanner.Pipeline
	Logger       *slog.Logger
}

// Server routes HTTP requests into the bridge core.
type Server struct {
	version  string
	orch     *orchestrator.Orchestrator
	plans    *state.PlanStore
	memory   *state.KVStore
	registry *module.Registry
	gate     *approval.Gate
	verifier *verifier.Verifier
	scanners *scanner.Pipeline
	parser   *iml.Parser
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer builds the router. Middleware (auth, rate limiting,
// request IDs) is layered on by the caller via Handler wrapping.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		version:  opts.Version,
		orch:     opts.Orchestrator,
		plans:    opts.Plans,
		memory:   opts.Memory,
		registry: opts.Registry,
		gate:     opts.Gate,
		verifier: opts.Verifier,
		scanners: opts.Scanners,
		parser:   iml.NewParser(),
		logger:   opts.Logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /modules", s.handleListModules)
	s.mux.HandleFunc("GET /modules/{id}", s.handleGetModule)

	s.mux.HandleFunc("POST /plans", s.handleSubmitPlan)
	s.mux.HandleFunc("GET /plans", s.handleListPlans)
	s.mux.HandleFunc("GET /plans/{id}", s.handleGetPlan)
	s.mux.HandleFunc("DELETE /plans/{id}", s.handleCancelPlan)
	s.mux.HandleFunc("POST /plans/{id}/cancel", s.handleCancelPlan)
	s.mux.HandleFunc("GET /plans/{id}/pending-approvals", s.handlePendingApprovals)
	s.mux.HandleFunc("POST /plans/{id}/actions/{aid}/approve", s.handleApprove)

	s.mux.HandleFunc("POST /plan-groups", s.handlePlanGroup)

	s.mux.HandleFunc("GET /context", s.handleContext)

	s.mux.HandleFunc("POST /intent-verifier/verify", s.handleVerify)
	s.mux.HandleFunc("GET /intent-verifier/categories", s.handleListCategories)
	s.mux.HandleFunc("POST /intent-verifier/categories", s.handleAddCategory)
	s.mux.HandleFunc("DELETE /intent-verifier/categories/{id}", s.handleDeleteCategory)

	s.mux.HandleFunc("GET /scanners", s.handleScannerStatus)
	s.mux.HandleFunc("PATCH /scanners/{id}", s.handlePatchScanner)

	s.mux.HandleFunc("GET /memory", s.handleListMemory)
	s.mux.HandleFunc("GET /memory/{key}", s.handleGetMemory)
	s.mux.HandleFunc("DELETE /memory/{key}", s.handleDeleteMemory)
}

// Handler returns the routing handler for middleware wrapping.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenOptions configures the HTTP listener.
type ListenOptions struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) Serve(ctx context.Context, handler http.Handler, opts ListenOptions) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Sync plan submissions hold the connection for the whole run.
		WriteTimeout: opts.RequestTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fractal-arena/internal/events"
	"fractal-arena/internal/observability/metrics"
	"fractal-arena/internal/scheduler"
	"fractal-arena/internal/web3"
)

// WalletSource 提供所有钱包的调度快照。
type WalletSource interface {
	Snapshots() []scheduler.Snapshot
}

// EventSource 提供最近的运行事件。
type EventSource interface {
	Recent(wallet string, limit int) []events.Event
}

// MatchHistory 提供比赛历史查询。
type MatchHistory interface {
	ListLatest(ctx context.Context, wallet string, limit int) ([]scheduler.MatchRecord, error)
}

// ChainSource 提供各条链的元数据。
type ChainSource interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Server 负责暴露状态接口。
type Server struct {
	addr    string
	wallets WalletSource
	events  EventSource
	matches MatchHistory
	chains  ChainSource
}

// Option 定义可选配置。
type Option func(*Server)

// WithWallets 设置快照来源。
func WithWallets(src WalletSource) Option {
	return func(s *Server) { s.wallets = src }
}

// WithEvents 设置事件来源。
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithMatches 设置比赛历史来源。
func WithMatches(src MatchHistory) Option {
	return func(s *Server) { s.matches = src }
}

// WithChains 设置链信息来源。
func WithChains(src ChainSource) Option {
	return func(s *Server) { s.chains = src }
}

// NewServer 构造状态服务。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/wallets", s.handleWallets)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/matches", s.handleMatches)
	mux.HandleFunc("/api/v1/chains", s.handleChains)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	count := 0
	if s.wallets != nil {
		count = len(s.wallets.Snapshots())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "wallets": count})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.wallets == nil {
		http.Error(w, "调度器未初始化", http.StatusServiceUnavailable)
		return
	}
	snapshots := s.wallets.Snapshots()
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		for _, snap := range snapshots {
			if snap.Wallet == wallet {
				writeJSON(w, http.StatusOK, snap)
				return
			}
		}
		http.Error(w, "钱包不存在", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.events == nil {
		http.Error(w, "事件缓冲未启用", http.StatusServiceUnavailable)
		return
	}
	list := s.events.Recent(r.URL.Query().Get("wallet"), parseLimit(r))
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.matches == nil {
		http.Error(w, "比赛记录未启用", http.StatusServiceUnavailable)
		return
	}
	list, err := s.matches.ListLatest(r.Context(), r.URL.Query().Get("wallet"), parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []scheduler.MatchRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.chains == nil {
		writeJSON(w, http.StatusOK, []web3.ChainSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.chains.Snapshots(r.Context()))
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func parseLimit(r *http.Request) int {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"riskd/internal/audit"
	"riskd/internal/broker"
	"riskd/internal/killswitch"
	"riskd/internal/risk"
)

// server 提供风控系统的 HTTP 管理与透传接口。
type server struct {
	engine *risk.Engine
	kill   *killswitch.Service
	broker *broker.Client
	audit  *audit.Service
	gate   *killswitch.OrderGate
	logger *zap.Logger
}

// thresholdsView 为阈值的对外表示。
type thresholdsView struct {
	AccountID                    string     `json:"account_id"`
	MaxDailyTotalLoss            float64    `json:"max_daily_total_loss"`
	MaxDailyLossPerPosition      float64    `json:"max_daily_loss_per_position"`
	PerPositionDailyProfitTarget float64    `json:"per_position_daily_profit_target"`
	MaxDailyTotalProfitTarget    float64    `json:"max_daily_total_profit_target"`
	Locked                       bool       `json:"locked"`
	LockedUntil                  *time.Time `json:"locked_until,omitempty"`
	UpdatedAt                    time.Time  `json:"updated_at"`
}

func viewOf(th risk.Thresholds) thresholdsView {
	return thresholdsView{
		AccountID:                    th.AccountID,
		MaxDailyTotalLoss:            th.MaxDailyTotalLoss,
		MaxDailyLossPerPosition:      th.MaxDailyLossPerPosition,
		PerPositionDailyProfitTarget: th.PerPositionDailyProfitTarget,
		MaxDailyTotalProfitTarget:    th.MaxDailyTotalProfitTarget,
		Locked:                       th.Locked,
		LockedUntil:                  th.LockedUntil,
		UpdatedAt:                    th.UpdatedAt,
	}
}

// start 启动 HTTP 服务，ctx 取消时优雅关闭。
func (s *server) start(ctx context.Context, port int) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /risk/settings", s.handleGetSettings)
	mux.HandleFunc("POST /risk/settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /risk/lock", s.handleLock)
	mux.HandleFunc("POST /risk/unlock", s.handleUnlock)

	mux.HandleFunc("GET /kill/status", s.handleKillStatus)
	mux.HandleFunc("POST /kill/activate", s.handleKillActivate)
	mux.HandleFunc("POST /kill/deactivate", s.handleKillDeactivate)
	mux.HandleFunc("GET /kill/events", s.handleKillEvents)

	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("POST /orders", s.handlePlaceOrder)
	mux.HandleFunc("POST /orders/cancel_all", s.handleCancelAll)
	mux.HandleFunc("GET /funds", s.handleFunds)
	mux.HandleFunc("GET /holdings", s.handleHoldings)
	mux.HandleFunc("GET /market/proxy", s.handleMarketProxy)
	mux.HandleFunc("POST /market/proxy", s.handleMarketProxyWrite)

	mux.HandleFunc("GET /audit", s.handleAudit)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.withRequestID(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭异常", zap.Error(err))
		}
	}()

	go func() {
		s.logger.Info("HTTP 服务已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP 服务退出", zap.Error(err))
		}
	}()

	return nil
}

func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		s.logger.Debug("收到请求",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

// accountOf 取 account 查询参数，缺省为 default 账户。
func accountOf(r *http.Request) string {
	if account := r.URL.Query().Get("account"); account != "" {
		return account
	}
	return "default"
}

func (s *server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("序列化响应失败", zap.Error(err))
	}
}

func (s *server) writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeError 将领域错误映射为 HTTP 状态码。
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var upstream *broker.UpstreamError
	switch {
	case errors.Is(err, risk.ErrLocked):
		status = http.StatusForbidden
	case errors.Is(err, risk.ErrNegativeThreshold):
		status = http.StatusBadRequest
	case errors.Is(err, broker.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.As(err, &upstream),
		errors.Is(err, broker.ErrTimeout),
		errors.Is(err, broker.ErrNetwork):
		status = http.StatusBadGateway
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	th, err := s.engine.GetOrCreate(r.Context(), accountOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(th))
}

func (s *server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxDailyTotalLoss            *float64 `json:"max_daily_total_loss"`
		MaxDailyLossPerPosition      *float64 `json:"max_daily_loss_per_position"`
		PerPositionDailyProfitTarget *float64 `json:"per_position_daily_profit_target"`
		MaxDailyTotalProfitTarget    *float64 `json:"max_daily_total_profit_target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "请求体非法"})
		return
	}

	th, err := s.engine.UpdateThresholds(r.Context(), accountOf(r), risk.Update{
		MaxDailyTotalLoss:            payload.MaxDailyTotalLoss,
		MaxDailyLossPerPosition:      payload.MaxDailyLossPerPosition,
		PerPositionDailyProfitTarget: payload.PerPositionDailyProfitTarget,
		MaxDailyTotalProfitTarget:    payload.MaxDailyTotalProfitTarget,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "risk_settings_updated", "")
	s.writeJSON(w, http.StatusOK, viewOf(th))
}

func (s *server) handleLock(w http.ResponseWriter, r *http.Request) {
	th, err := s.engine.LockUntilNextDay(r.Context(), accountOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "risk_settings_locked", "")
	s.writeJSON(w, http.StatusOK, viewOf(th))
}

func (s *server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	th, err := s.engine.UnlockIfExpired(r.Context(), accountOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(th))
}

func (s *server) handleKillStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.kill.GetStatus(r.Context(), accountOf(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func decodeReason(r *http.Request, fallback string) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Reason == "" {
		return fallback
	}
	return payload.Reason
}

func (s *server) handleKillActivate(w http.ResponseWriter, r *http.Request) {
	reason := decodeReason(r, "manual_activate")

	status, err := s.kill.Activate(r.Context(), accountOf(r), reason)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "kill_switch_activate", reason)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *server) handleKillDeactivate(w http.ResponseWriter, r *http.Request) {
	reason := decodeReason(r, "manual_deactivate")

	status, err := s.kill.Deactivate(r.Context(), accountOf(r), reason)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "kill_switch_deactivate", reason)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *server) handleKillEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.kill.Events(r.Context(), accountOf(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []killswitch.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.GetPositions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []broker.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.broker.GetOrders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []broker.Order{}
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if s.gate.Blocked() {
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "kill switch 已封锁新订单"})
		return
	}

	var payload broker.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "请求体非法"})
		return
	}

	resp, err := s.broker.PlaceOrder(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "order_placed", payload.SecurityID)
	s.writeRaw(w, resp)
}

func (s *server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	resp, err := s.broker.CancelAllOrders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "orders_cancelled", "")
	s.writeRaw(w, resp)
}

func (s *server) handleFunds(w http.ResponseWriter, r *http.Request) {
	resp, err := s.broker.GetFunds(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, resp)
}

func (s *server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	resp, err := s.broker.GetHoldings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, resp)
}

// handleMarketProxy 将 path 参数指向的券商 GET 接口透传给调用方，
// 除 path 外的查询参数原样转发。
func (s *server) handleMarketProxy(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	path := query.Get("path")
	if path == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "缺少 path 参数"})
		return
	}
	query.Del("path")
	query.Del("account")

	resp, err := s.broker.Forward(r.Context(), path, query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, resp)
}

func (s *server) handleMarketProxyWrite(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "缺少 path 参数"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "读取请求体失败"})
		return
	}

	resp, err := s.broker.ForwardWrite(r.Context(), path, body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "market_proxy_write", path)
	s.writeRaw(w, resp)
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.audit.List(r.Context(), r.URL.Query().Get("event"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *server) recordAudit(r *http.Request, event, detail string) {
	s.audit.RecordBestEffort(r.Context(), audit.Entry{
		AccountID: accountOf(r),
		Event:     event,
		Detail:    detail,
		Path:      r.URL.Path,
		Success:   true,
	})
}

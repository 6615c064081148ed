package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"time"

	"labsched/internal/arrival"
	"labsched/internal/common"
	"labsched/internal/notify"
	"labsched/internal/resourcepool"
	"labsched/internal/workflow"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

//go:embed static
var staticFiles embed.FS

// maxArrivalBody 单条到达消息的最大字节数
const maxArrivalBody = 4 << 10

// Scheduler 服务器依赖的调度器接口
type Scheduler interface {
	Submit(sample common.Sample) (*workflow.Workflow, error)
	Active() []workflow.Info
	History() []workflow.Info
}

// PoolViewer 资源池只读视图
type PoolViewer interface {
	Snapshot() resourcepool.Snapshot
}

// Config HTTP 服务器配置
type Config struct {
	Address     string
	MetricsPath string
	// OriginPatterns 允许的跨域 WebSocket 来源主机，为空时只接受同源请求
	OriginPatterns []string
}

// HTTPServer 仪表盘、WebSocket 通知与 REST API
type HTTPServer struct {
	config    Config
	server    *http.Server
	listener  net.Listener
	logger    *zap.Logger
	scheduler Scheduler
	pool      PoolViewer
	sink      *notify.Sink
	metrics   *common.Metrics

	// ctx 在 Stop 时取消，用于关闭已升级的 WebSocket 连接
	ctx    context.Context
	cancel context.CancelFunc
	errCh  chan error
}

// NewHTTPServer 创建新的 HTTP 服务器
func NewHTTPServer(config Config, scheduler Scheduler, pool PoolViewer, sink *notify.Sink, metrics *common.Metrics, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPServer{
		config:    config,
		logger:    logger,
		scheduler: scheduler,
		pool:      pool,
		sink:      sink,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		errCh:     make(chan error, 1),
	}
}

// Router 构建路由
func (s *HTTPServer) Router() http.Handler {
	router := mux.NewRouter()

	// 添加中间件
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/samples", s.handleSubmitSample).Methods("POST", "OPTIONS")
	api.HandleFunc("/pool", s.handlePool).Methods("GET")
	api.HandleFunc("/workflows", s.handleWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{workflowId}", s.handleWorkflow).Methods("GET")

	if reg := s.metrics.Registry(); reg != nil && s.config.MetricsPath != "" {
		router.Handle(s.config.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	}

	static, _ := fs.Sub(staticFiles, "static")
	router.PathPrefix("/").Handler(http.FileServer(http.FS(static))).Methods("GET")

	return router
}

// Start 监听端口并在后台提供服务
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

// Err 服务异常退出时收到错误，正常停止时关闭
func (s *HTTPServer) Err() <-chan error {
	return s.errCh
}

// Stop 关闭 WebSocket 连接并停止 HTTP 服务器
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// GetAddress 获取实际监听地址
func (s *HTTPServer) GetAddress() string {
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// handleWebSocket 订阅进度消息，客户端发送的文本消息作为样品到达处理
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxArrivalBody)

	sub := notify.NewWebSocketSubscriber(conn)
	s.sink.Subscribe(sub)
	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer func() {
		stop()
		sub.MarkClosed()
		s.sink.Unsubscribe(sub.ID())
		_ = conn.CloseNow()
	}()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, io.EOF) {
				s.logger.Debug("WebSocket read ended", zap.String("subscriber", sub.ID()), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		sample, err := arrival.Parse(data)
		if err != nil {
			s.metrics.ArrivalReceived("websocket", "malformed")
			s.logger.Warn("Discarding malformed WebSocket arrival",
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
			_ = conn.Write(ctx, websocket.MessageText, []byte("Rejected arrival: "+err.Error()))
			continue
		}
		s.metrics.ArrivalReceived("websocket", "accepted")
		if _, err := s.scheduler.Submit(sample); err != nil {
			s.logger.Warn("Failed to submit sample", zap.String("sample_id", sample.ID), zap.Error(err))
			_ = conn.Write(ctx, websocket.MessageText, []byte("Rejected arrival: "+err.Error()))
		}
	}
}

// handleSubmitSample 提交一个样品
func (s *HTTPServer) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxArrivalBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body", err)
		return
	}
	if len(body) > maxArrivalBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "BAD_REQUEST", "request body too large", nil)
		return
	}

	sample, err := arrival.ParseMessage(body)
	if err != nil {
		s.metrics.ArrivalReceived("http", "malformed")
		s.writeError(w, http.StatusBadRequest, "MALFORMED_ARRIVAL", "sample rejected", err)
		return
	}
	s.metrics.ArrivalReceived("http", "accepted")

	wf, err := s.scheduler.Submit(sample)
	switch {
	case errors.Is(err, common.ErrDispatcherClosed):
		s.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "scheduler is shutting down", err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, "MALFORMED_ARRIVAL", "sample rejected", err)
		return
	}

	common.LoggerFromContext(r.Context()).Info("Sample submitted",
		zap.String("sample_id", sample.ID),
		zap.String("workflow_id", wf.ID()))

	w.Header().Set("Location", "/api/v1/workflows/"+wf.ID())
	s.writeJSONResponseWithStatus(w, http.StatusAccepted, map[string]interface{}{
		"workflow": wf.Info(),
	})
}

// handlePool 资源池状态
func (s *HTTPServer) handlePool(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, map[string]interface{}{
		"pool": s.pool.Snapshot(),
	})
}

// handleWorkflows 活动及最近结束的工作流
func (s *HTTPServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, map[string]interface{}{
		"active":  s.scheduler.Active(),
		"history": s.scheduler.History(),
	})
}

// handleWorkflow 单个工作流
func (s *HTTPServer) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workflowId"]
	for _, list := range [][]workflow.Info{s.scheduler.Active(), s.scheduler.History()} {
		for _, info := range list {
			if info.ID == id {
				s.writeJSONResponse(w, map[string]interface{}{
					"workflow": info,
				})
				return
			}
		}
	}
	s.writeError(w, http.StatusNotFound, "NOT_FOUND", "workflow not found", nil)
}

// loggingMiddleware 日志中间件
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(common.ContextWithLogger(r.Context(), logger)))
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware CORS 中间件
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSONResponse 写入 JSON 响应
func (s *HTTPServer) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	s.writeJSONResponseWithStatus(w, http.StatusOK, data)
}

func (s *HTTPServer) writeJSONResponseWithStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError 写入错误响应
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, errorType string, message string, cause error) {
	s.writeJSONResponseWithStatus(w, status, map[string]interface{}{
		"error": common.NewLabError(errorType, status, message, cause),
	})
}

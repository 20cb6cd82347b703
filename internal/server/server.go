package server

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/config"
	"github.com/hervala/kafka-flow/internal/registry"
	"github.com/hervala/kafka-flow/pkg/logger"
	"github.com/hervala/kafka-flow/pkg/pool"
)

// Server HTTP服务器：监控、pprof与消费者管理接口
type Server struct {
	metricsServer *http.Server
	adminServer   *http.Server
	pprofServer   *http.Server
}

// consumerView 管理接口返回的消费者视图
type consumerView struct {
	Name         string                   `json:"name"`
	GroupID      string                   `json:"group_id"`
	State        string                   `json:"state"`
	MemberID     string                   `json:"member_id"`
	InstanceName string                   `json:"instance_name"`
	Subscription []string                 `json:"subscription"`
	Assignment   []map[string]interface{} `json:"assignment"`
	WorkerCount  int                      `json:"worker_count"`
}

// NewServer 创建HTTP服务器
func NewServer(cfg config.Config, reg *registry.Registry) *Server {
	s := &Server{}

	// Metrics服务器
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		mux.HandleFunc("/health", healthHandler)
		mux.HandleFunc("/ready", readyHandler)

		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
	}

	// 管理服务器
	if cfg.Admin.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /consumers", listConsumersHandler(reg))
		mux.HandleFunc("POST /consumers/{name}/pause", pauseHandler(reg))
		mux.HandleFunc("POST /consumers/{name}/resume", resumeHandler(reg))

		s.adminServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler: mux,
		}
	}

	// Pprof服务器
	if cfg.Pprof.Enabled {
		s.pprofServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Pprof.Port),
			Handler: http.DefaultServeMux, // pprof已自动注册到DefaultServeMux
		}
	}

	return s
}

// Start 启动服务器
func (s *Server) Start() error {
	for name, srv := range map[string]*http.Server{
		"metrics": s.metricsServer,
		"admin":   s.adminServer,
		"pprof":   s.pprofServer,
	} {
		if srv == nil {
			continue
		}
		name, srv := name, srv
		go func() {
			logger.Info("starting http server",
				zap.String("server", name),
				zap.String("addr", srv.Addr),
			)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server error",
					zap.String("server", name),
					zap.Error(err),
				)
			}
		}()
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	for _, srv := range []*http.Server{s.metricsServer, s.adminServer, s.pprofServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown http server",
				zap.String("addr", srv.Addr),
				zap.Error(err),
			)
		}
	}
	return nil
}

// listConsumersHandler 列出已注册的消费者
func listConsumersHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handles := reg.All()
		views := make([]consumerView, 0, len(handles))
		for _, h := range handles {
			view := consumerView{
				Name:         h.Name(),
				GroupID:      h.GroupID(),
				State:        h.State(),
				MemberID:     h.MemberID(),
				InstanceName: h.ClientInstanceName(),
				Subscription: h.Subscription(),
				WorkerCount:  h.WorkerCount(),
				Assignment:   []map[string]interface{}{},
			}
			for _, tp := range h.Assignment() {
				view.Assignment = append(view.Assignment, map[string]interface{}{
					"topic":     tp.Topic,
					"partition": tp.Partition,
				})
			}
			views = append(views, view)
		}

		buf := pool.GetBuffer()
		defer pool.PutBuffer(buf)

		enc := sonic.ConfigDefault.NewEncoder(buf)
		if err := enc.Encode(views); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(buf.Bytes())
	}
}

// pauseHandler 暂停指定消费者的全部分区
func pauseHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := reg.Get(r.PathValue("name"))
		if !ok {
			http.Error(w, "consumer not found", http.StatusNotFound)
			return
		}
		if err := h.Pause(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("paused"))
	}
}

// resumeHandler 恢复指定消费者的全部分区
func resumeHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := reg.Get(r.PathValue("name"))
		if !ok {
			http.Error(w, "consumer not found", http.StatusNotFound)
			return
		}
		if err := h.Resume(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("resumed"))
	}
}

// healthHandler 健康检查
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler 就绪检查
func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"akvs/avl"
	"akvs/repository"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Server — HTTP поверхность над репозиторием
type Server struct {
	repo    *repository.Repository
	config  *Config
	server  *http.Server
	logger  *log.Logger
	metrics *Metrics
	limiter *rate.Limiter
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type KeyInfo struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type"`
}

// Metrics метрики Prometheus
type Metrics struct {
	RequestsTotal   prometheus.Counter
	RequestDuration prometheus.Histogram
	ErrorsTotal     prometheus.Counter
	TreeOperations  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "akvs_api_requests_total",
			Help: "Общее количество HTTP запросов",
		}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "akvs_api_request_duration_seconds",
			Help: "Продолжительность HTTP запросов",
		}),
		ErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "akvs_api_errors_total",
			Help: "Общее количество ошибок",
		}),
		TreeOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akvs_tree_operations_total",
				Help: "Операции с деревом по типам",
			},
			[]string{"operation", "status"},
		),
	}
}

func NewServer(repo *repository.Repository, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		repo:    repo,
		config:  config,
		logger:  log.New(os.Stdout, "[akvs-api] ", log.LstdFlags),
		metrics: NewMetrics(),
	}
	if config.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst)
	}
	return s
}

// Router собирает маршрутизатор со всеми эндпоинтами и middleware
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.corsMiddleware)
	router.Use(s.rateLimitMiddleware)
	if s.config.LogRequests {
		router.Use(s.loggingMiddleware)
	}

	if s.config.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	if s.config.EnableAuth {
		api.Use(s.authMiddleware)
	}

	api.HandleFunc("/keys", s.handleListKeys).Methods("GET")
	api.HandleFunc("/keys/{key:.*}", s.handleGetKey).Methods("GET")
	api.HandleFunc("/keys/{key:.*}", s.handlePutKey).Methods("PUT")
	api.HandleFunc("/keys/{key:.*}", s.handleDeleteKey).Methods("DELETE")

	api.HandleFunc("/root", s.handleRootHash).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Start запускает сервер. Блокируется до остановки.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.logger.Printf("запуск сервера на %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown выполняет graceful shutdown
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.RequestsTotal.Inc()
		timer := prometheus.NewTimer(s.metrics.RequestDuration)
		defer timer.ObserveDuration()

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.ErrorsTotal.Inc()
			s.sendErrorResponse(w, "Превышен лимит запросов", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.config.AuthToken {
			s.metrics.ErrorsTotal.Inc()
			s.sendErrorResponse(w, "Недействительный токен", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendResponse(w http.ResponseWriter, data interface{}) {
	s.sendResponseWithMessage(w, data, "", http.StatusOK)
}

func (s *Server) sendResponseWithMessage(w http.ResponseWriter, data interface{}, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: statusCode < 400,
		Data:    data,
		Message: message,
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, error string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   error,
	}

	json.NewEncoder(w).Encode(response)
}

// Обработчики эндпоинтов

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleRootHash(w http.ResponseWriter, r *http.Request) {
	rootHash := s.repo.RootHash()
	if rootHash == nil {
		// Пустое дерево: хеша корня нет
		s.sendResponse(w, map[string]interface{}{"root_hash": nil, "empty": true})
		return
	}
	s.sendResponse(w, map[string]interface{}{
		"root_hash": hex.EncodeToString(rootHash),
		"empty":     false,
	})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := vars["key"]

	if key == "" {
		s.sendErrorResponse(w, "Требуется ключ", http.StatusBadRequest)
		return
	}

	data, err := s.repo.Get(r.Context(), []byte(key))
	if err != nil {
		if errors.Is(err, avl.ErrKeyNotFound) {
			s.metrics.TreeOperations.WithLabelValues("get", "miss").Inc()
			s.sendErrorResponse(w, "Ключ не найден", http.StatusNotFound)
		} else {
			s.metrics.ErrorsTotal.Inc()
			s.sendErrorResponse(w, fmt.Sprintf("Ошибка получения ключа: %v", err), http.StatusInternalServerError)
		}
		return
	}
	s.metrics.TreeOperations.WithLabelValues("get", "ok").Inc()

	// Определяем тип ответа по параметру format
	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
		return
	}

	var contentType string
	if json.Valid(data) {
		contentType = "json"
	} else {
		contentType = "binary"
	}

	s.sendResponse(w, KeyInfo{
		Key:         key,
		Value:       string(data),
		Size:        len(data),
		ContentType: contentType,
	})
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := vars["key"]

	if key == "" {
		s.sendErrorResponse(w, "Требуется ключ", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.sendErrorResponse(w, "Ошибка чтения тела запроса", http.StatusBadRequest)
		return
	}

	if err := s.repo.Put(r.Context(), []byte(key), body); err != nil {
		s.metrics.TreeOperations.WithLabelValues("put", "error").Inc()
		s.metrics.ErrorsTotal.Inc()
		s.sendErrorResponse(w, fmt.Sprintf("Ошибка записи ключа: %v", err), http.StatusInternalServerError)
		return
	}
	s.metrics.TreeOperations.WithLabelValues("put", "ok").Inc()

	s.sendResponseWithMessage(w, map[string]interface{}{
		"key":       key,
		"size":      len(body),
		"root_hash": hex.EncodeToString(s.repo.RootHash()),
	}, "Ключ сохранён", http.StatusOK)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := vars["key"]

	if key == "" {
		s.sendErrorResponse(w, "Требуется ключ", http.StatusBadRequest)
		return
	}

	if err := s.repo.Delete(r.Context(), []byte(key)); err != nil {
		switch {
		case errors.Is(err, avl.ErrKeyNotFound), errors.Is(err, avl.ErrEmptyTree):
			s.metrics.TreeOperations.WithLabelValues("delete", "miss").Inc()
			s.sendErrorResponse(w, "Ключ не найден", http.StatusNotFound)
		default:
			s.metrics.TreeOperations.WithLabelValues("delete", "error").Inc()
			s.metrics.ErrorsTotal.Inc()
			s.sendErrorResponse(w, fmt.Sprintf("Ошибка удаления ключа: %v", err), http.StatusInternalServerError)
		}
		return
	}
	s.metrics.TreeOperations.WithLabelValues("delete", "ok").Inc()

	s.sendResponseWithMessage(w, map[string]string{"key": key}, "Ключ удалён", http.StatusOK)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := q.Get("start")
	end := q.Get("end")

	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	entries, err := s.repo.Range(r.Context(), []byte(start), []byte(end))
	if err != nil {
		s.metrics.ErrorsTotal.Inc()
		s.sendErrorResponse(w, fmt.Sprintf("Ошибка обхода диапазона: %v", err), http.StatusInternalServerError)
		return
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]KeyInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, KeyInfo{
			Key:  string(e.Key),
			Size: len(e.Value),
		})
	}

	s.sendResponse(w, map[string]interface{}{
		"count": len(out),
		"keys":  out,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.repo.Len(r.Context())
	if err != nil {
		s.metrics.ErrorsTotal.Inc()
		s.sendErrorResponse(w, fmt.Sprintf("Ошибка подсчёта ключей: %v", err), http.StatusInternalServerError)
		return
	}

	stats := map[string]interface{}{
		"keys": count,
	}
	if rootHash := s.repo.RootHash(); rootHash != nil {
		stats["root_hash"] = hex.EncodeToString(rootHash)
	}

	if s.repo.HasIndex() {
		if idxStats, err := s.repo.Index().Stats(r.Context()); err == nil {
			stats["index"] = idxStats
		}
	}

	s.sendResponse(w, stats)
}

// Command gobalance runs the LLM load-balancing service standalone: it
// loads a provider/model config, starts the selection and health-check
// core, and fronts it with a minimal HTTP relay so the whole pipeline
// (select → forward → record_result) is exercisable over the wire.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayforge/llmlb/internal/config"
	"github.com/relayforge/llmlb/internal/loadbalance"
	"github.com/relayforge/llmlb/internal/logging"
	"github.com/relayforge/llmlb/internal/metrics"
)

func main() {
	logger := logging.NewLogger("llmlb")
	defer logger.Sync()
	logger.Info("starting_load_balance_service")

	configPath := envOrDefault("LLMLB_CONFIG", "configs/config.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("failed_to_load_config", "error", err.Error())
		log.Fatal(err)
	}

	collector := metrics.NewCollector()
	prober := loadbalance.NewHTTPProber(cfg.Settings.ProbePath, 5*time.Second)

	service, err := loadbalance.NewLoadBalanceService(cfg, prober, logger)
	if err != nil {
		logger.Error("failed_to_construct_service", "error", err.Error())
		log.Fatal(err)
	}
	service.SetProbeObserver(collector)
	service.SetRetryObserver(collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service.Start(ctx)

	exporter := metrics.NewExporter(collector, service, service.RetryBudget())
	go exporter.Start(ctx)

	watcher, err := config.NewWatcher(configPath, logger, func(newCfg *config.Config) error {
		return service.Reload(newCfg)
	})
	if err != nil {
		logger.Error("failed_to_create_config_watcher", "error", err.Error())
	} else {
		go watcher.Start(ctx)
	}

	relay := &relayHandler{service: service, collector: collector, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/v1/select/", relay)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"models": service.AvailableModels()})
	})
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		health := service.ServiceHealth()
		status := http.StatusOK
		if !health.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
	mux.HandleFunc("/v1/reload", func(w http.ResponseWriter, r *http.Request) {
		newCfg, err := config.LoadConfig(configPath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := service.Reload(newCfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
	})

	port := envOrDefault("LLMLB_PORT", "8080")
	server := &http.Server{Addr: ":" + port, Handler: mux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server_starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_error", "error", err.Error())
			log.Fatal(err)
		}
	}()

	<-sigChan
	logger.Info("shutdown_signal_received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_error", "error", err.Error())
	}
	service.Stop()
	cancel()

	logger.Info("shutdown_complete")
}

// relayHandler is the out-of-scope HTTP relay collaborator, implemented
// here just thoroughly enough to drive the core end to end: it selects
// a backend, forwards the request to the resolved provider, times the
// round trip, and feeds the outcome back via RecordResult. Requests
// are addressed as /v1/select/{model}.
type relayHandler struct {
	service   *loadbalance.LoadBalanceService
	collector *metrics.Collector
	logger    *logging.Logger
}

func (h *relayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Path[len("/v1/select/"):]
	if model == "" {
		http.Error(w, "model name required", http.StatusBadRequest)
		return
	}

	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		r.Body.Close()
	}

	start := time.Now()
	selected, err := h.service.Select(model)
	h.collector.SelectionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		h.collector.SelectionsTotal.WithLabelValues(model, "error").Inc()
		h.logger.Warn("selection_failed", "model", model, "error", err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.collector.SelectionsTotal.WithLabelValues(model, "ok").Inc()

	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = "/v1/chat/completions"
	}
	target, err := url.Parse(selected.GetAPIURL(endpoint))
	if err != nil {
		http.Error(w, "invalid provider url", http.StatusBadGateway)
		return
	}

	apiKey, err := selected.GetAPIKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		return
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range selected.GetHeaders() {
		upstreamReq.Header.Set(k, v)
	}

	client := &http.Client{Timeout: selected.GetTimeout()}
	callStart := time.Now()
	resp, err := client.Do(upstreamReq)
	latency := time.Since(callStart)

	backendKey := selected.Backend.Key()
	if err != nil {
		h.service.RecordResult(selected.Provider.Name, selected.Backend.Model, loadbalance.FailureResult(err))
		h.collector.RequestsTotal.WithLabelValues(backendKey, model, "error").Inc()
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		h.service.RecordResult(selected.Provider.Name, selected.Backend.Model,
			loadbalance.FailureResult(fmt.Errorf("upstream status %d", resp.StatusCode)))
	} else {
		h.service.RecordResult(selected.Provider.Name, selected.Backend.Model, loadbalance.SuccessResult(latency))
	}
	h.collector.RequestsTotal.WithLabelValues(backendKey, model, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	h.collector.RequestDuration.WithLabelValues(backendKey, model).Observe(latency.Seconds())

	w.Header().Set("X-Request-ID", selected.RequestID)
	w.Header().Set("X-Backend-Key", backendKey)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"callpipe/core"
	"callpipe/llm"
	"callpipe/orchestrator"
	"callpipe/session"
	"callpipe/sink"
	"callpipe/transport"
	"callpipe/tts"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		core.GetLogger().With(map[string]any{"error": err}).Warn("no .env file found or failed to load")
	}
	logger := core.GetLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	llmConfig := llm.DefaultConfig()
	llmConfig.APIKey = getEnv("OPENAI_API_KEY", "")
	llmConfig.Model = getEnv("LLM_MODEL", llmConfig.Model)
	llmClient := llm.NewClient(llmConfig, logger)

	ttsConfig := tts.DefaultConfig()
	ttsConfig.URL = getEnv("TTS_URL", ttsConfig.URL)
	ttsConfig.APIKey = getEnv("TTS_API_KEY", "")
	ttsConfig.Voice = getEnv("TTS_VOICE", ttsConfig.Voice)
	ttsClient := tts.NewClient(ttsConfig, logger)
	go ttsClient.Run(ctx)

	notifier := core.NewChannelNotifier(256)
	go logEvents(ctx, notifier, logger)

	orch := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Registry: session.NewRegistry(),
		LLM:      llmClient,
		TTS:      ttsClient,
		Sink:     buildSink(ctx, logger),
		Notifier: notifier,
		Logger:   logger,
	})

	adapter := transport.NewAdapter(transport.DefaultConfig(), orch, logger)
	orch.SetTransport(adapter)
	go orch.Run(ctx)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/media-stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.With(map[string]any{"error": err}).Error("websocket upgrade failed")
			return
		}
		adapter.HandleConn(conn)
	})
	mux.HandleFunc("/turn", handleTurn(orch, logger))
	mux.HandleFunc("/call-status", handleCallStatus(orch))
	mux.HandleFunc("/sessions", handleCreateSession(orch, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    ":" + getEnv("PORT", "8080"),
		Handler: mux,
	}

	go func() {
		logger.With(map[string]any{"addr": server.Addr}).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.With(map[string]any{"error": err}).Error("server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.With(map[string]any{"error": err}).Warn("shutdown did not finish cleanly")
	}
}

type turnRequest struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

type turnResponse struct {
	Text     string `json:"text"`
	Segments int    `json:"segments"`
	Hangup   bool   `json:"hangup"`
}

// handleTurn accepts one transcribed caller utterance and runs a turn.
// The synthesized audio goes out over the media stream; the response
// body only reports what happened.
func handleTurn(orch *orchestrator.Orchestrator, logger *core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req turnRequest
		if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result, err := orch.Begin(r.Context(), req.CallID, req.Text)
		if err != nil {
			logger.With(map[string]any{"call_id": req.CallID, "error": err}).Warn("turn rejected")
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, turnResponse{
			Text:     result.Text,
			Segments: len(result.Segments),
			Hangup:   result.Hangup,
		})
	}
}

// handleCallStatus accepts the telephony provider's status callback,
// which arrives form-encoded.
func handleCallStatus(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		orch.HandleCallStatus(r.FormValue("CallSid"), r.FormValue("CallStatus"))
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleCreateSession registers a call before its media stream connects,
// for setups where the webhook fires first.
func handleCreateSession(orch *orchestrator.Orchestrator, logger *core.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var params session.Params
		if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if _, err := orch.CreateSession(params); err != nil {
			logger.With(map[string]any{"call_id": params.CallID, "error": err}).Warn("session create rejected")
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// buildSink connects the redis record sink when REDIS_ADDR is set,
// falling back to the in-memory sink.
func buildSink(ctx context.Context, logger *core.Logger) sink.StatusSink {
	addr := getEnv("REDIS_ADDR", "")
	if addr == "" {
		return sink.NewMemorySink()
	}
	redisConfig := sink.DefaultRedisConfig()
	redisConfig.Addr = addr
	redisConfig.Password = getEnv("REDIS_PASSWORD", "")
	redisConfig.DB = getEnvAsInt("REDIS_DB", 0)
	redisSink := sink.NewRedisSink(redisConfig)

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pingCancel()
	if err := redisSink.Ping(pingCtx); err != nil {
		logger.With(map[string]any{"addr": addr, "error": err}).Warn("redis unreachable, using in-memory sink")
		return sink.NewMemorySink()
	}
	logger.With(map[string]any{"addr": addr}).Info("redis record sink connected")
	return redisSink
}

func logEvents(ctx context.Context, notifier *core.ChannelNotifier, logger *core.Logger) {
	for {
		select {
		case event := <-notifier.Events():
			logger.With(map[string]any{
				"type":    string(event.Type),
				"call_id": event.CallID,
			}).Debug("call event")
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}

package main

import (
	"encoding/json"
	"net/http"
	"strings"
)

// newOllamaHandler returns an http.Handler that simulates a local Ollama
// daemon's native /api/chat endpoint. Unlike the OpenAI-style mocks, a
// streaming response is a sequence of newline-delimited bare JSON objects,
// not an SSE event stream.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "llama3"
		}
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveOllamaStream(w, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"model": model,
			"message": map[string]string{
				"role":    "assistant",
				"content": content,
			},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        cfg.StreamWords,
		})
	})

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3", "model": "llama3"},
			},
		})
	})

	return mux
}

// serveOllamaStream writes a newline-delimited sequence of bare JSON chat
// response objects, matching Ollama's streaming wire format.
func serveOllamaStream(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for _, word := range strings.Fields(content) {
		_ = enc.Encode(map[string]any{
			"model":   model,
			"message": map[string]string{"role": "assistant", "content": word + " "},
			"done":    false,
		})
		if flusher != nil {
			flusher.Flush()
		}
	}

	_ = enc.Encode(map[string]any{
		"model":             model,
		"message":           map[string]string{"role": "assistant", "content": ""},
		"done":              true,
		"prompt_eval_count": 10,
		"eval_count":        1,
	})
	if flusher != nil {
		flusher.Flush()
	}
}

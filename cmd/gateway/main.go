package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"shardchat/internal/domain"
	"shardchat/internal/router"
)

func main() {
	// 1. Configuration
	endpointSpec := os.Getenv("SHARD_ENDPOINTS")
	if endpointSpec == "" {
		endpointSpec = "http://localhost:8081|http://localhost:8091," +
			"http://localhost:8082|http://localhost:8092," +
			"http://localhost:8083|http://localhost:8093"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	endpoints, err := parseEndpoints(endpointSpec)
	if err != nil {
		log.Fatalf("Invalid SHARD_ENDPOINTS: %v", err)
	}

	// 2. Router
	rt, err := router.New(endpoints)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// 3. HTTP Handlers
	http.HandleFunc("/messages", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleSendMessage(rt, w, r)
		case http.MethodGet:
			handleUserMessages(rt, w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	http.HandleFunc("/conversation", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleConversation(rt, w, r)
	}))

	http.HandleFunc("/users", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := rt.ListUsers(r.Context())
		if err != nil {
			writeRouterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}))

	http.HandleFunc("/health/shards", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		probe := r.URL.Query().Get("probe") == "true"
		writeJSON(w, http.StatusOK, map[string]any{
			"shards": rt.Health(r.Context(), probe),
		})
	}))

	log.Printf("Gateway starting on :%s with %d shards", port, rt.ShardCount())
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal(err)
	}
}

func handleSendMessage(rt *router.Router, w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromID  int64  `json:"from_id"`
		ToID    int64  `json:"to_id"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}
	if req.FromID <= 0 || req.ToID <= 0 || req.Content == "" {
		http.Error(w, "from_id, to_id and content are required", http.StatusBadRequest)
		return
	}

	msg, err := rt.SendMessage(r.Context(), req.FromID, req.ToID, req.Content)
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func handleUserMessages(rt *router.Router, w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := rt.MessagesFor(r.Context(), userID, queryLimit(r))
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleConversation(rt *router.Router, w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	otherID, err := queryInt64(r, "other_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := rt.Conversation(r.Context(), userID, otherID, queryLimit(r))
	if err != nil {
		writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseEndpoints reads "primary|backup,primary|backup,...", one
// comma-separated entry per shard, endpoints within a shard ordered by
// preference.
func parseEndpoints(spec string) ([][]string, error) {
	var endpoints [][]string
	for _, shardSpec := range strings.Split(spec, ",") {
		var candidates []string
		for _, endpoint := range strings.Split(shardSpec, "|") {
			endpoint = strings.TrimSpace(strings.TrimSuffix(endpoint, "/"))
			if endpoint != "" {
				candidates = append(candidates, endpoint)
			}
		}
		if len(candidates) == 0 {
			return nil, errors.New("shard entry with no endpoints")
		}
		endpoints = append(endpoints, candidates)
	}
	return endpoints, nil
}

func writeRouterError(w http.ResponseWriter, err error) {
	var se *router.StatusError
	if errors.As(err, &se) {
		http.Error(w, se.Body, se.Code)
		return
	}
	if errors.Is(err, domain.ErrShardUnavailable) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	log.Printf("request failed: %v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("missing or invalid " + name)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

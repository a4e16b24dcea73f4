// Package main implements a mock completion server for local development and
// e2e testing. It serves OpenAI-compatible /v1/chat/completions responses,
// routing by the "model" field in the request: a fixture file named after the
// model wins, otherwise a built-in valid seven-day plan is synthesized from
// the calorie and protein flags. This removes the need for a real model
// during wiring tests, keeping them fast, deterministic, and offline-capable.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434 -kcal 2200 -protein 150
//
// Fixture files are JSON named by model (e.g., "mock-coach.json" maps to
// model "mock-coach"). The file content is returned as the assistant message.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/planforge/planforge/plan"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Server ---

type mockServer struct {
	fixtures    map[string]string // model name → fixture content
	defaultPlan string            // synthesized plan for unmatched models
	calls       atomic.Int64
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files (optional)")
	port := flag.Int("port", 11434, "port to listen on")
	kcal := flag.Int("kcal", 2200, "daily calorie total in the built-in plan")
	protein := flag.Int("protein", 150, "daily protein grams in the built-in plan")
	flag.Parse()

	fixtures := map[string]string{}
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("Loaded %d fixture model(s) from %s", len(fixtures), *fixtureDir)
	}

	s := &mockServer{
		fixtures:    fixtures,
		defaultPlan: cannedPlanJSON(*kcal, *protein),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock completion server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *mockServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *mockServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)

	content, ok := s.fixtures[req.Model]
	if !ok {
		content = s.defaultPlan
	}

	// Query knobs for manually exercising the caller's repair cascade:
	// ?plain=1 strips the markdown fence, ?truncate=N cuts the content.
	if r.URL.Query().Get("plain") != "" {
		content = stripFence(content)
	}
	if v := r.URL.Query().Get("truncate"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(content) {
			content = content[:n]
		}
	}

	log.Printf("[call %d] model=%s messages=%d fixture=%v bytes=%d", callNum, req.Model, len(req.Messages), ok, len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats returns the total call count for test assertions.
func (s *mockServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls": s.calls.Load(),
	})
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// cannedPlanJSON builds a structurally valid seven-day plan with the given
// daily totals, wrapped in a markdown fence the way real models answer.
func cannedPlanJSON(kcal, protein int) string {
	days := make(map[string]*plan.DayPlan, len(plan.DayKeys))
	workouts := map[string]plan.Block{
		"monday":    {Exercise: "barbell squat", Sets: 4, Reps: "6-8", RIR: "2"},
		"tuesday":   {Exercise: "bench press", Sets: 4, Reps: "6-8", RIR: "2"},
		"wednesday": {Exercise: "incline walk", Sets: 1, Reps: "30 min", RIR: "5"},
		"thursday":  {Exercise: "deadlift", Sets: 3, Reps: "5", RIR: "2"},
		"friday":    {Exercise: "overhead press", Sets: 4, Reps: "8-10", RIR: "2"},
		"saturday":  {Exercise: "pull-up", Sets: 4, Reps: "6-10", RIR: "1-2"},
		"sunday":    {Exercise: "mobility flow", Sets: 1, Reps: "20 min", RIR: "5"},
	}
	for _, key := range plan.DayKeys {
		days[key] = &plan.DayPlan{
			Workout: &plan.Workout{
				Focus:  "full body",
				Blocks: []plan.Block{workouts[key]},
			},
			Nutrition: &plan.Nutrition{
				TotalKcal: kcal,
				ProteinG:  protein,
				Meals: []plan.Meal{
					{Name: "breakfast", Kcal: kcal / 3, ProteinG: protein / 3,
						Ingredients: []string{"oats", "greek yogurt", "berries"}},
					{Name: "lunch", Kcal: kcal / 3, ProteinG: protein / 3,
						Ingredients: []string{"chicken breast", "rice", "vegetables"}},
					{Name: "dinner", Kcal: kcal - 2*(kcal/3), ProteinG: protein - 2*(protein/3),
						Ingredients: []string{"salmon", "potatoes", "salad"}},
				},
			},
			Recovery: &plan.Recovery{Sleep: "8h", Mobility: "10 min hips"},
		}
	}
	data, err := json.MarshalIndent(&plan.Plan{Days: days}, "", "  ")
	if err != nil {
		log.Fatalf("build canned plan: %v", err)
	}
	return "Here is your plan:\n```json\n" + string(data) + "\n```"
}

// loadFixtures reads JSON files from dir and returns a map of model→content.
func loadFixtures(dir string) (map[string]string, error) {
	fixtures := make(map[string]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		model := strings.TrimSuffix(info.Name(), ".json")
		fixtures[model] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return fixtures, nil
}

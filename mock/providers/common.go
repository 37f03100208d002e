package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// failure is a simulated upstream failure.
type failure int

const (
	failNone failure = iota
	failThrottle
	failServer
)

// roll decides whether this request succeeds, is throttled or fails.
// Throttling is rolled first so the two rates stay independent.
func roll(cfg Config) failure {
	if cfg.ThrottleRate > 0 && rand.Float64() < cfg.ThrottleRate {
		return failThrottle
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		return failServer
	}
	return failNone
}

// setRetryAfter advertises the configured back-off on throttled responses.
func setRetryAfter(w http.ResponseWriter, cfg Config) {
	if cfg.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(cfg.RetryAfterSeconds))
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

// Command simulation fires synthetic trading signals at a running server's
// webhook endpoint and reports per-request latency statistics. It is a
// development tool: point it at a bot whose exchange binding uses testnet
// credentials.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const numWorkers = 5

var actions = []string{"buy", "sell"}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// webhookPayload mirrors the ingestion contract.
type webhookPayload struct {
	Action       string `json:"action"`
	Ticker       string `json:"ticker"`
	OrderSize    string `json:"order_size"`
	PositionSize string `json:"position_size"`
	Schema       string `json:"schema"`
	Timestamp    string `json:"timestamp"`
	PublicID     string `json:"public_id"`
	Secret       string `json:"secret"`
}

type stats struct {
	mu        sync.Mutex
	durations []time.Duration
	failures  int
}

func (s *stats) record(d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, d)
	if !ok {
		s.failures++
	}
}

// summarize computes min, median, p95 and max over the recorded durations.
func (s *stats) summarize() (min, median, p95, max time.Duration) {
	if len(s.durations) == 0 {
		return
	}
	sort.Slice(s.durations, func(i, j int) bool { return s.durations[i] < s.durations[j] })
	min = s.durations[0]
	median = s.durations[len(s.durations)/2]
	p95 = s.durations[len(s.durations)*95/100]
	max = s.durations[len(s.durations)-1]
	return
}

func main() {
	server := envOr("SERVER_URL", "http://localhost:8080")
	publicID := os.Getenv("BOT_PUBLIC_ID")
	secret := os.Getenv("BOT_WEBHOOK_SECRET")
	ticker := envOr("BOT_TICKER", "BTCUSDT")
	total, _ := strconv.Atoi(envOr("SIGNAL_COUNT", "50"))

	if publicID == "" {
		log.Fatal().Msg("BOT_PUBLIC_ID is required")
	}

	log.Info().
		Str("server", server).
		Str("ticker", ticker).
		Int("signals", total).
		Msg("starting webhook simulation")

	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := fmt.Sprintf("%s/api/v1/webhook/%s", server, publicID)

	jobs := make(chan int)
	results := &stats{}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sendSignal(client, endpoint, ticker, secret, results)
			}
		}()
	}

	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	min, median, p95, max := results.summarize()
	log.Info().
		Int("sent", total).
		Int("failures", results.failures).
		Dur("min", min).
		Dur("median", median).
		Dur("p95", p95).
		Dur("max", max).
		Msg("simulation complete")
}

func sendSignal(client *http.Client, endpoint, ticker, secret string, results *stats) {
	payload := webhookPayload{
		Action:       actions[rand.Intn(len(actions))],
		Ticker:       ticker,
		OrderSize:    fmt.Sprintf("%d%%", 10+rand.Intn(90)),
		PositionSize: "1",
		Schema:       "2",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Secret:       secret,
	}
	body, _ := json.Marshal(payload)

	start := time.Now()
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	elapsed := time.Since(start)

	if err != nil {
		log.Warn().Err(err).Msg("webhook request failed")
		results.record(elapsed, false)
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 300
	if !ok {
		msg, _ := io.ReadAll(resp.Body)
		log.Warn().Int("status", resp.StatusCode).Bytes("body", msg).Msg("webhook rejected")
	}
	results.record(elapsed, ok)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Benchmark tool for exercising a running Vigil instance with synthetic
// workforce signals.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -count 5000
//
// This tool:
//  1. Generates a mix of normal and fraud-shaped signals (GPS drift,
//     missed checkpoints, low verification confidence)
//  2. Sends them through POST /signals with concurrent workers
//  3. Pulls the resulting predictions and compares risk tiers against the
//     known shape of each subject
//  4. Reports precision, recall, throughput and a confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SignalRequest matches the Vigil ingestion payload.
type SignalRequest struct {
	SubjectType   string         `json:"subjectType"`
	SubjectID     string         `json:"subjectId"`
	Source        string         `json:"source"`
	SourceEventID string         `json:"sourceEventId"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Prediction mirrors the fields of the predictions listing we need.
type Prediction struct {
	SubjectID   string  `json:"subjectId"`
	RiskTier    string  `json:"riskTier"`
	Probability float64 `json:"probability"`
	Method      string  `json:"predictionMethod"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // fraud-shaped subject tiered HIGH or CRITICAL
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalSent   int64
	TotalErrors int64

	IngestTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Vigil base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	count := flag.Int("count", 1000, "Number of signals to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudRate := flag.Float64("fraud-rate", 0.1, "Fraction of fraud-shaped signals (0.0-1.0)")
	settle := flag.Duration("settle", 5*time.Second, "Wait for the async pipeline before scoring results")
	verbose := flag.Bool("verbose", false, "Print each signal result")
	flag.Parse()

	fmt.Println("VIGIL BENCHMARK - synthetic workforce signals")
	fmt.Printf("\nVigil URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Signals:     %d\n", *count)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Fraud Rate:  %.2f\n", *fraudRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Vigil not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Vigil is running:")
		fmt.Println("  go run cmd/vigil/main.go")
		os.Exit(1)
	}
	fmt.Println("Vigil is healthy")

	signals := generateSignals(*count, *fraudRate)
	fmt.Printf("Generated %d signals\n", len(signals))

	fmt.Printf("\nIngesting with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runIngestion(signals, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	fmt.Printf("\nWaiting %v for the pipeline to settle...\n", *settle)
	time.Sleep(*settle)

	scorePredictions(metrics, *baseURL, *tenantID, *count)
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generateSignals builds the workload. Fraud-shaped subjects carry large
// GPS drift and low verification confidence; normal subjects sit near
// their routine.
func generateSignals(count int, fraudRate float64) []SignalRequest {
	rng := rand.New(rand.NewSource(42))
	now := time.Now().UTC()

	signals := make([]SignalRequest, 0, count)
	for i := 0; i < count; i++ {
		fraud := rng.Float64() < fraudRate

		var subjectID string
		payload := map[string]any{}
		if fraud {
			subjectID = fmt.Sprintf("fraud-guard-%03d", i%25)
			payload["gps_drift_meters"] = 150 + rng.Float64()*400
			payload["verification_confidence"] = 0.1 + rng.Float64()*0.3
		} else {
			subjectID = fmt.Sprintf("guard-%03d", i%100)
			payload["gps_drift_meters"] = rng.Float64() * 30
			payload["verification_confidence"] = 0.85 + rng.Float64()*0.15
		}

		signals = append(signals, SignalRequest{
			SubjectType:   "PERSON",
			SubjectID:     subjectID,
			Source:        "GPS",
			SourceEventID: fmt.Sprintf("bench-%d", i),
			OccurredAt:    now.Add(time.Duration(-i) * time.Second),
			Payload:       payload,
		})
	}
	return signals
}

func runIngestion(signals []SignalRequest, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan SignalRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for sig := range work {
				start := time.Now()
				err := sendSignal(client, baseURL, tenantID, sig)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.IngestTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalSent, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", sig.SourceEventID, err)
					}
					continue
				}

				if verbose {
					fmt.Printf("sent %-14s subject=%s drift=%.0fm\n",
						sig.SourceEventID, sig.SubjectID, sig.Payload["gps_drift_meters"])
				}
			}
		}()
	}

	for _, sig := range signals {
		work <- sig
	}
	close(work)
	wg.Wait()

	return metrics
}

func sendSignal(client *http.Client, baseURL, tenantID string, sig SignalRequest) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/signals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// scorePredictions pulls scored predictions back and builds the confusion
// matrix: fraud-shaped subjects should tier HIGH or CRITICAL.
func scorePredictions(m *Metrics, baseURL, tenantID string, limit int) {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/predictions?limit=%d", baseURL, limit), nil)
	if err != nil {
		return
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("WARNING: failed to fetch predictions: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Predictions []Prediction `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("WARNING: failed to decode predictions: %v\n", err)
		return
	}

	for _, pred := range body.Predictions {
		actual := strings.HasPrefix(pred.SubjectID, "fraud-")
		predicted := pred.RiskTier == "HIGH" || pred.RiskTier == "CRITICAL"

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nINGESTION\n")
	fmt.Printf("   Signals Sent:     %d\n", m.TotalSent)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalSent > 0 {
		avgMs := float64(m.IngestTimeMs) / float64(m.TotalSent)
		rate := float64(m.TotalSent) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f signals/sec\n", rate)
	}

	scored := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if scored == 0 {
		fmt.Println("\nNo predictions returned; is the pipeline worker running?")
		return
	}

	fmt.Printf("\nCONFUSION MATRIX (HIGH/CRITICAL = predicted fraud)\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FRAUD       CLEAN")
	fmt.Printf("   Actual  fraud  %8d    %8d\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           clean  %8d    %8d\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := float64(m.TruePositives+m.TrueNegatives) / float64(scored)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged subjects, how many were fraud-shaped)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud-shaped subjects, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	fmt.Println()
}

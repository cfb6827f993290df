//go:build ignore

// Loadtest opens many TCP connections through the load balancer and reports
// which backend answered each one, along with latency percentiles.
//
// Usage:
//
//	go run loadtest.go -addr localhost:8080 -concurrency 10 -requests 300
//	go run loadtest.go -addr localhost:8080 -requests 1000 -out summary.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var backendPattern = regexp.MustCompile(`backend (\d+)`)

const unavailablePrefix = "HTTP/1.1 503"

type backendStats struct {
	Count     int32           `json:"count"`
	Latencies []time.Duration `json:"-"`
}

func main() {
	var (
		addr        = flag.String("addr", "localhost:8080", "Load balancer address")
		concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
		requests    = flag.Int("requests", 300, "Total number of connections to open")
		payload     = flag.String("payload", "GET / HTTP/1.1\r\nHost: lb\r\n\r\n", "Bytes sent on each connection")
		timeoutSec  = flag.Int("timeout", 5, "Per-connection timeout in seconds")
		outJSON     = flag.String("out", "", "Write JSON summary to this file (optional)")
		verbose     = flag.Bool("v", false, "Verbose per-connection logging")
	)
	flag.Parse()

	timeout := time.Duration(*timeoutSec) * time.Second

	var (
		failures    int32
		unavailable int32
		statsMu     sync.Mutex
		stats       = make(map[string]*backendStats)
		all         []time.Duration
	)

	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for idx := range jobs {
				began := time.Now()
				resp, err := exchange(*addr, *payload, timeout)
				dur := time.Since(began)

				if err != nil {
					atomic.AddInt32(&failures, 1)
					if *verbose {
						fmt.Printf("[%d] idx=%d error=%v\n", worker, idx, err)
					}
					continue
				}

				name := "(unknown)"
				switch {
				case len(resp) >= len(unavailablePrefix) && resp[:len(unavailablePrefix)] == unavailablePrefix:
					atomic.AddInt32(&unavailable, 1)
					name = "(unavailable)"
				case backendPattern.MatchString(resp):
					name = backendPattern.FindStringSubmatch(resp)[1]
				}

				statsMu.Lock()
				bs, ok := stats[name]
				if !ok {
					bs = &backendStats{}
					stats[name] = bs
				}
				bs.Count++
				bs.Latencies = append(bs.Latencies, dur)
				all = append(all, dur)
				statsMu.Unlock()

				if *verbose {
					fmt.Printf("[%d] idx=%d backend=%s dur=%v\n", worker, idx, name, dur)
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s  Connections: %d  Concurrency: %d\n", *addr, *requests, *concurrency)
	fmt.Printf("Failures: %d  Unavailable: %d\n", failures, unavailable)
	fmt.Printf("Duration: %v  Throughput: %.2f conn/s\n", elapsed, float64(*requests)/elapsed.Seconds())

	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)

	fmt.Println("\nBackend distribution:")
	for _, k := range names {
		bs := stats[k]
		fmt.Printf("  %s -> %d  p50=%v p99=%v\n", k, bs.Count, percentile(bs.Latencies, 0.50), percentile(bs.Latencies, 0.99))
	}

	if len(all) > 0 {
		fmt.Printf("\nOverall: p50=%v p90=%v p99=%v\n", percentile(all, 0.50), percentile(all, 0.90), percentile(all, 0.99))
	}

	if *outJSON != "" {
		report := map[string]any{
			"target":      *addr,
			"requests":    *requests,
			"concurrency": *concurrency,
			"failures":    failures,
			"unavailable": unavailable,
			"duration_ms": elapsed.Milliseconds(),
			"backends":    stats,
		}

		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if failures > 0 {
		os.Exit(2)
	}
}

// exchange sends payload on a fresh connection and reads until the peer
// closes it.
func exchange(addr, payload string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := io.WriteString(conn, payload); err != nil {
		return "", err
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*p)]
}

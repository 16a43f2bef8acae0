// Command fetch-bench load-tests a running fetch-server (or, with
// -local, an in-process fetch core) by issuing FetchGroupBys calls and
// reporting latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/joho/godotenv"

	"github.com/arkilian/arkilian/internal/codec"
	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/internal/kvstore"
	"github.com/arkilian/arkilian/internal/observability"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"github.com/arkilian/arkilian/pkg/types"
)

func main() {
	_ = godotenv.Load(".env")

	var (
		httpAddr   string
		groupByKey string
		requests   int
		concurrent int
		local      bool
	)

	flag.StringVar(&httpAddr, "addr", envOr("FETCHCORE_BENCH_ADDR", "http://localhost:8080"), "fetch-server HTTP address")
	flag.StringVar(&groupByKey, "group-by", envOr("FETCHCORE_BENCH_GROUP_BY", "profile"), "group-by name to fetch")
	flag.IntVar(&requests, "requests", 1000, "total requests to issue")
	flag.IntVar(&concurrent, "concurrency", 8, "concurrent in-flight requests")
	flag.BoolVar(&local, "local", false, "benchmark an in-process fetch core instead of a remote server")
	flag.Parse()

	var latencies []time.Duration
	var err error

	if local {
		latencies, err = runLocal(groupByKey, requests, concurrent)
	} else {
		latencies, err = runRemote(httpAddr, groupByKey, requests, concurrent)
	}
	if err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}

	report(latencies)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runLocal builds an in-memory store with a single seeded group-by and
// fires requests directly against groupby.Fetcher, bypassing network and
// serialization overhead to isolate the fetch core's own cost.
func runLocal(name string, requests, concurrency int) ([]time.Duration, error) {
	store := kvstore.NewMemoryStore()
	si := &types.ServingInfo{
		Name:             name,
		KeySchema:        []types.FieldSchema{{Name: "id", Type: types.ColumnLong}},
		OutputSchema:     []types.FieldSchema{{Name: "value", Type: types.ColumnString}},
		Accuracy:         types.AccuracySnapshot,
		DataModel:        types.DataModelEvents,
		BatchDataset:     kvstore.BatchDataset(name),
		StreamingDataset: kvstore.StreamingDataset(name),
	}
	loader := staticLoader{si: si}
	cache := servinginfo.New(loader, time.Minute)
	fetcher := groupby.NewFetcher(store, cache, observability.New(), 0, 256)

	reg := codec.NewRegistry(si)
	keyBytes, err := reg.EncodeKey(map[string]interface{}{"id": int64(1)})
	if err != nil {
		return nil, fmt.Errorf("encoding seed key: %w", err)
	}
	seedValue, _ := json.Marshal(map[string]interface{}{"value": "bench"})
	store.Put(si.BatchDataset, keyBytes, types.TimedValue{Bytes: snappy.Encode(nil, seedValue), Millis: time.Now().UnixMilli()})

	req := types.Request{Name: name, Keys: map[string]interface{}{"id": int64(1)}}

	return runConcurrent(requests, concurrency, func() error {
		resps := fetcher.FetchGroupBys(context.Background(), []types.Request{req})
		if len(resps) != 1 {
			return fmt.Errorf("expected 1 response, got %d", len(resps))
		}
		return nil
	})
}

func runRemote(addr, name string, requests, concurrency int) ([]time.Duration, error) {
	body, err := json.Marshal(map[string]interface{}{
		"requests": []map[string]interface{}{
			{"name": name, "keys": map[string]interface{}{"id": 1}},
		},
	})
	if err != nil {
		return nil, err
	}

	return runConcurrent(requests, concurrency, func() error {
		resp, err := http.Post(addr+"/v1/fetch/group-bys", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

func runConcurrent(requests, concurrency int, call func() error) ([]time.Duration, error) {
	latencies := make([]time.Duration, requests)
	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, requests)
	done := make(chan struct{}, requests)

	for i := 0; i < requests; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem; done <- struct{}{} }()
			start := time.Now()
			if err := call(); err != nil {
				errCh <- err
				return
			}
			latencies[i] = time.Since(start)
		}(i)
	}
	for i := 0; i < requests; i++ {
		<-done
	}
	close(errCh)
	if err, ok := <-errCh; ok {
		return nil, err
	}
	return latencies, nil
}

func report(latencies []time.Duration) {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	n := len(latencies)
	if n == 0 {
		fmt.Println("no requests completed")
		return
	}
	pct := func(p float64) time.Duration {
		idx := int(p * float64(n))
		if idx >= n {
			idx = n - 1
		}
		return latencies[idx]
	}
	fmt.Printf("requests: %d\n", n)
	fmt.Printf("p50: %v\n", pct(0.50))
	fmt.Printf("p90: %v\n", pct(0.90))
	fmt.Printf("p99: %v\n", pct(0.99))
	fmt.Printf("max: %v\n", latencies[n-1])
}

type staticLoader struct {
	si *types.ServingInfo
}

func (s staticLoader) Load(_ context.Context, _ string) (*types.ServingInfo, error) {
	return s.si, nil
}

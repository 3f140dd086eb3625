// tileburst replays moving-map traffic against a chartstored instance:
// workers pick a viewport from a Zipf-skewed pool and fetch the tile grid
// around it, the way an EFB panning over a chart does.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/efbtools/chartstore/internal/tilegeom"
)

var Version = "dev"

type Config struct {
	TargetURL       string
	Chart           string
	Concurrency     int
	Duration        time.Duration
	Zoom            int
	GridRadius      int
	ZipfS           float64
	ZipfV           float64
	ViewportCount   int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
	TimestampFormat string
	CentroidFile    string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8780", "chartstored base URL")
	flag.StringVar(&cfg.Chart, "chart", "SBSP", "Chart id to request tiles for")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.IntVar(&cfg.Zoom, "zoom", 12, "Zoom level of the requested tiles")
	flag.IntVar(&cfg.GridRadius, "radius", 2, "Viewport grid radius in tiles (radius 2 = 5x5 wave)")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.ViewportCount, "viewports", 128, "Distinct viewports in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/tileburst", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.StringVar(&cfg.TimestampFormat, "ts-format", "iso", "Timestamp format: iso|unix|none")
	flag.StringVar(&cfg.CentroidFile, "centroids", "", "Optional centroid CSV file (id,lon,lat) to drive viewports")
	flag.Parse()
	return cfg
}

// Viewport is the center tile an imaginary aircraft's map is looking at.
type Viewport struct{ X, Y, Z int }

func (v Viewport) String() string {
	return fmt.Sprintf("%d/%d/%d", v.Z, v.X, v.Y)
}

func viewportAt(lon, lat float64, zoom int) Viewport {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return Viewport{X: int(t.X), Y: int(t.Y), Z: zoom}
}

// creates a mix of "hot" and "cold" viewports for testing.
func makeViewports(count, zoom int, r *rand.Rand) []Viewport {
	centers := [][2]float64{
		{-46.6564, -23.6261}, // São Paulo/Congonhas
		{-46.4731, -23.4356}, // Guarulhos
		{-43.1631, -22.9104}, // Rio/Santos Dumont
		{-47.9186, -15.8697}, // Brasília
	}
	viewports := make([]Viewport, 0, count)

	hotCount := int(math.Max(8, float64(count/4))) // at least 8 hot viewports

	// hot viewports jittered around the airports
	for i := range hotCount {
		c := centers[i%len(centers)]
		dx, dy := (r.Float64()-0.5)*0.20, (r.Float64()-0.5)*0.20
		viewports = append(viewports, viewportAt(c[0]+dx, c[1]+dy, zoom))
	}

	// remaining "cold" viewports scattered over the wider region
	for len(viewports) < count {
		lon := -74 + r.Float64()*(74-34)
		lat := -34 + r.Float64()*(34+5)
		viewports = append(viewports, viewportAt(lon, lat, zoom))
	}
	return viewports
}

type Centroid struct {
	ID  string
	Lon float64
	Lat float64
}

func loadCentroidsCSV(path string) ([]Centroid, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open centroids: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIdx := map[string]int{}
	for i, h := range header {
		colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}

	idIdx, okID := colIdx["id"]
	lonIdx, okLon := colIdx["lon"]
	latIdx, okLat := colIdx["lat"]
	if !okID || !okLon || !okLat {
		return nil, fmt.Errorf("centroid csv: expected columns id,lon,lat; got %v", header)
	}

	var out []Centroid
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		id := strings.TrimSpace(rec[idIdx])
		lonStr := strings.TrimSpace(rec[lonIdx])
		latStr := strings.TrimSpace(rec[latIdx])

		if id == "" || lonStr == "" || latStr == "" {
			continue
		}

		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lon %q: %w", lonStr, err)
		}
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lat %q: %w", latStr, err)
		}

		out = append(out, Centroid{ID: id, Lon: lon, Lat: lat})
	}

	return out, nil
}

func makeViewportsFromCentroids(centroids []Centroid, count, zoom int) []Viewport {
	if len(centroids) == 0 || count <= 0 {
		return nil
	}
	if count > len(centroids) {
		count = len(centroids)
	}

	viewports := make([]Viewport, 0, count)
	for i := range count {
		c := centroids[i%len(centroids)]
		viewports = append(viewports, viewportAt(c.Lon, c.Lat, zoom))
	}
	return viewports
}

// one sample per tile request
type sample struct {
	Timestamp     time.Time
	Latency       time.Duration
	Status        int
	ErrorMsg      string
	ViewportIndex int
	Tile          string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	HitCount      int64     `json:"hits"`
	EmptyCount    int64     `json:"empties"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Viewports     int       `json:"viewports"`
	Zoom          int       `json:"zoom"`
	GridRadius    int       `json:"grid_radius"`
	TargetURL     string    `json:"target"`
	Chart         string    `json:"chart"`
}

type aggregatedResult struct {
	total   int64
	hits    int64
	empties int64
	errors  int64
	latMs   []float64
}

func main() {
	cfg := loadConfig()
	if cfg.Zoom < 0 || cfg.Zoom > tilegeom.MaxZoom {
		log.Fatalf("zoom %d out of range", cfg.Zoom)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}

	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		switch strings.ToLower(cfg.TimestampFormat) {
		case "none":
		case "unix":
			prefix = fmt.Sprintf("%s_%d", prefix, time.Now().Unix())
		default: // "iso"
			prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
		}
	}

	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))

	var viewports []Viewport
	if strings.TrimSpace(cfg.CentroidFile) != "" {
		centroids, err := loadCentroidsCSV(cfg.CentroidFile)
		if err != nil {
			log.Printf("WARN: failed to load centroids from %q: %v; falling back to synthetic viewports", cfg.CentroidFile, err)
		} else {
			viewports = makeViewportsFromCentroids(centroids, cfg.ViewportCount, cfg.Zoom)
			log.Printf("using %d centroid-driven viewports from %s", len(viewports), cfg.CentroidFile)
		}
	}

	if len(viewports) == 0 {
		viewports = makeViewports(cfg.ViewportCount, cfg.Zoom, r)
		log.Printf("using %d synthetic viewports", len(viewports))
	}

	if len(viewports) == 0 {
		log.Fatalf("no viewports generated")
	}

	imax := uint64(len(viewports)) - 1
	base := strings.TrimSuffix(cfg.TargetURL, "/")
	chartPath := url.PathEscape(cfg.Chart)

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	// Collects results asynchronously
	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "viewport_idx", "tile"})
		var total, hitCount, emptyCount, errorCount int64
		latencies := make([]float64, 0, 1<<20)
		for s := range samplesChan {
			total++
			switch {
			case s.ErrorMsg == "" && s.Status == http.StatusOK:
				hitCount++
				latencies = append(latencies, float64(s.Latency.Microseconds())/1000.0)
			case s.ErrorMsg == "" && s.Status == http.StatusNoContent:
				emptyCount++
				latencies = append(latencies, float64(s.Latency.Microseconds())/1000.0)
			default:
				errorCount++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.ErrorMsg,
				fmt.Sprintf("%d", s.ViewportIndex),
				s.Tile,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- aggregatedResult{total: total, hits: hitCount, empties: emptyCount, errors: errorCount, latMs: latencies}
	}()

	startTime := time.Now()
	log.Printf("tileburst start target=%s chart=%s dur=%s conc=%d z=%d radius=%d zipf(s=%.2f,v=%.2f) viewports=%d centroids=%s",
		cfg.TargetURL, cfg.Chart, cfg.Duration, cfg.Concurrency, cfg.Zoom, cfg.GridRadius, cfg.ZipfS, cfg.ZipfV, cfg.ViewportCount, cfg.CentroidFile)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)

	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()

			rWorker := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipfDist := rand.NewZipf(rWorker, cfg.ZipfS, cfg.ZipfV, imax)
			n := 1 << uint(cfg.Zoom)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				v := zipfDist.Uint64()
				if v > uint64(math.MaxInt) {
					continue
				}
				idx := int(v)
				if idx >= len(viewports) {
					continue
				}
				vp := viewports[idx]

				// one wave: the full grid around the viewport center,
				// wrapping columns around the antimeridian
				for dy := -cfg.GridRadius; dy <= cfg.GridRadius; dy++ {
					for dx := -cfg.GridRadius; dx <= cfg.GridRadius; dx++ {
						select {
						case <-ctx.Done():
							return
						default:
						}

						x := ((vp.X+dx)%n + n) % n
						y := vp.Y + dy
						if !tilegeom.Valid(vp.Z, x, y) {
							continue
						}
						tilePath := fmt.Sprintf("%d/%d/%d", vp.Z, x, y)
						reqURL := fmt.Sprintf("%s/tiles/%s/%s", base, chartPath, tilePath)

						startReq := time.Now()
						req, _ := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
						resp, err := httpClient.Do(req)
						latency := time.Since(startReq)

						result := sample{
							Timestamp:     startReq,
							Latency:       latency,
							Status:        0,
							ErrorMsg:      "",
							ViewportIndex: idx,
							Tile:          tilePath,
						}

						if err != nil {
							result.ErrorMsg = err.Error()
						} else {
							result.Status = resp.StatusCode
							_, _ = io.Copy(io.Discard, resp.Body)
							_ = resp.Body.Close()
							if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
								result.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
							}
						}

						select {
						case samplesChan <- result:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}(workerID)
	}

	// close samples channel
	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	aggResult := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(aggResult.latMs)
	p50 := percentile(aggResult.latMs, 50)
	p95 := percentile(aggResult.latMs, 95)
	p99 := percentile(aggResult.latMs, 99)

	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: aggResult.total,
		HitCount:      aggResult.hits,
		EmptyCount:    aggResult.empties,
		ErrorCount:    aggResult.errors,
		ThroughputRPS: float64(aggResult.total) / elapsed,
		P50Ms:         p50,
		P95Ms:         p95,
		P99Ms:         p99,
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Viewports:     cfg.ViewportCount,
		Zoom:          cfg.Zoom,
		GridRadius:    cfg.GridRadius,
		TargetURL:     cfg.TargetURL,
		Chart:         cfg.Chart,
	}

	jsonFile, err := os.Create(filepath.Clean(jsonPath))
	if err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d hit=%d empty=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		aggResult.total, aggResult.hits, aggResult.empties, aggResult.errors, runSummary.ThroughputRPS, p50, p95, p99)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}

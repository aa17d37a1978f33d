package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	"github.com/orthopoint/clinic-booking-engine/internal/logger"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	SubmitRatio float64
	CancelRatio float64
	ReadRatio   float64
	Patients    int
	SlotDays    int
}

// candidateSlot is a bookable (branch, type, start) tuple derived from the
// catalog's operating rules.
type candidateSlot struct {
	Branch string
	Type   string
	Start  time.Time
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []candidateSlot

	mu       sync.RWMutex
	bookings []uuid.UUID
	tickets  []uuid.UUID
}

func (dp *DataPool) AddBooking(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, id)
}

func (dp *DataPool) AddTicket(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.tickets = append(dp.tickets, id)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return uuid.Nil, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

func (dp *DataPool) RandomTicket(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.tickets) == 0 {
		return uuid.Nil, false
	}
	return dp.tickets[rng.Intn(len(dp.tickets))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Deferred  int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, outcome string) {
	atomic.AddInt64(&om.Total, 1)
	switch outcome {
	case "success":
		atomic.AddInt64(&om.Success, 1)
	case "deferred":
		atomic.AddInt64(&om.Deferred, 1)
	case "conflict":
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]
	return avg, min, max, p50, p95
}

type Metrics struct {
	Submit      OperationMetrics
	Cancel      OperationMetrics
	ReadBooking OperationMetrics
	ReadTicket  OperationMetrics
	Accept      OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger.Init(baseCfg.LogLevel)

	cfg := loadSimConfig()
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("submit", cfg.SubmitRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	cat, err := catalog.OpenFile(baseCfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", baseCfg.CatalogPath).Msg("catalog load error")
	}

	pool := buildDataPool(cat.Snapshot(), cfg)
	log.Info().Int("patients", len(pool.Patients)).Int("slots", len(pool.Slots)).Msg("data pool built")

	sim := &Simulator{
		config: cfg,
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadSimConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		SubmitRatio: getFloat("SIM_SUBMIT_RATIO", 0.5),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.3),
		Patients:    getInt("SIM_PATIENTS", 2000),
		SlotDays:    getInt("SIM_SLOT_DAYS", 7),
	}

	total := cfg.SubmitRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.SubmitRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

// buildDataPool turns the catalog's operating rules into concrete bookable
// slots for the coming days, plus a population of synthetic patients.
func buildDataPool(snap *catalog.Snapshot, cfg SimConfig) *DataPool {
	pool := &DataPool{}

	for i := 0; i < cfg.Patients; i++ {
		pool.Patients = append(pool.Patients, uuid.New())
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, branch := range snap.Branches() {
		for _, typeID := range branch.Types {
			rule, ok := snap.Rule(branch.Code, typeID)
			if !ok {
				continue
			}
			for day := 2; day < 2+cfg.SlotDays; day++ {
				date := today.AddDate(0, 0, day)
				if !rule.AllowsWeekday(date.Weekday()) {
					continue
				}
				for minute := rule.OpenMinute; minute+60 <= rule.CloseMinute; minute += 60 {
					pool.Slots = append(pool.Slots, candidateSlot{
						Branch: branch.Code,
						Type:   typeID,
						Start:  date.Add(time.Duration(minute) * time.Minute),
					})
				}
			}
		}
	}

	return pool
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Info().Msg("simulation running")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.SubmitRatio:
				s.doSubmit(ctx, rng)
			case r < s.config.SubmitRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				switch rng.Intn(3) {
				case 0:
					s.doReadBooking(ctx, rng)
				case 1:
					s.doReadTicket(ctx, rng)
				case 2:
					s.doAccept(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doSubmit(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Slots) == 0 || len(s.pool.Patients) == 0 {
		return
	}

	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()

	reqBody := map[string]any{
		"patient_id": patientID.String(),
		"branch":     slot.Branch,
		"type":       slot.Type,
		"start":      slot.Start,
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	outcome := "error"
	if err == nil {
		defer resp.Body.Close()

		var verdict struct {
			Outcome string `json:"outcome"`
			Booking *struct {
				ID uuid.UUID `json:"id"`
			} `json:"booking"`
			WaitlistTicket *uuid.UUID `json:"waitlist_ticket"`
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(bodyBytes, &verdict)

		switch {
		case resp.StatusCode == http.StatusCreated && verdict.Booking != nil:
			outcome = "success"
			s.pool.AddBooking(verdict.Booking.ID)
		case verdict.Outcome == "waitlisted":
			outcome = "deferred"
			if verdict.WaitlistTicket != nil {
				s.pool.AddTicket(*verdict.WaitlistTicket)
			}
		case resp.StatusCode == http.StatusConflict:
			outcome = "conflict"
		case verdict.Outcome == "rejected":
			// A structurally invalid draw still exercises the API.
			outcome = "success"
		}
	}

	s.metrics.Submit.Record(latency, outcome)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/bookings/%s/cancel", s.config.APIBaseURL, id), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	outcome := "error"
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			outcome = "success"
		case http.StatusConflict:
			outcome = "conflict"
		}
	}

	s.metrics.Cancel.Record(latency, outcome)
}

func (s *Simulator) doReadBooking(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/bookings/%s", s.config.APIBaseURL, id), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	outcome := "error"
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			outcome = "success"
		}
	}

	s.metrics.ReadBooking.Record(latency, outcome)
}

func (s *Simulator) doReadTicket(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomTicket(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/waitlist/%s", s.config.APIBaseURL, id), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	outcome := "error"
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			outcome = "success"
		}
	}

	s.metrics.ReadTicket.Record(latency, outcome)
}

func (s *Simulator) doAccept(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomTicket(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/waitlist/%s/accept", s.config.APIBaseURL, id), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	outcome := "error"
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			outcome = "success"
		case http.StatusConflict:
			// No live offer on this ticket right now.
			outcome = "conflict"
		}
	}

	s.metrics.Accept.Record(latency, outcome)
}

func (s *Simulator) PrintReport() {
	line := ""
	for i := 0; i < 80; i++ {
		line += "="
	}
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Submit", &s.metrics.Submit)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read booking", &s.metrics.ReadBooking)
	printOperationReport("Read ticket", &s.metrics.ReadTicket)
	printOperationReport("Accept offer", &s.metrics.Accept)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	deferred := atomic.LoadInt64(&om.Deferred)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if deferred > 0 {
		fmt.Printf("  Waitlisted: %d (%.1f%%)\n", deferred, float64(deferred)/float64(total)*100)
	}
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

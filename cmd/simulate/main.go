package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinic-billing/internal/config"
	"github.com/clinicore/clinic-billing/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	InvoiceRatio float64
	PayRatio     float64
	ReverseRatio float64
	ReadRatio    float64
	ApptLimit    int
	PatientLimit int
	PostgresDSN  string
}

type DataPool struct {
	Appointments []uuid.UUID
	Patients     []uuid.UUID
	mu           sync.RWMutex
	invoices     []uuid.UUID // Thread-safe list of created invoice IDs
	payments     []uuid.UUID // Thread-safe list of applied payment IDs
}

func (dp *DataPool) AddInvoice(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.invoices = append(dp.invoices, id)
}

func (dp *DataPool) GetRandomInvoice() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.invoices) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.invoices))
	return dp.invoices[idx], true
}

func (dp *DataPool) AddPayment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.payments = append(dp.payments, id)
}

// TakeRandomPayment removes a payment from the pool so only one worker
// ever tries to reverse it.
func (dp *DataPool) TakeRandomPayment() (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.payments) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.payments))
	id := dp.payments[idx]
	dp.payments[idx] = dp.payments[len(dp.payments)-1]
	dp.payments = dp.payments[:len(dp.payments)-1]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type SimMetrics struct {
	Invoice OperationMetrics
	Pay     OperationMetrics
	Reverse OperationMetrics
	Read    OperationMetrics
	List    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics SimMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulate starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d invoice=%.2f pay=%.2f reverse=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.InvoiceRatio, cfg.PayRatio, cfg.ReverseRatio, cfg.ReadRatio)

	// Load data from Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d appointments, %d patients", len(dataPool.Appointments), len(dataPool.Patients))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	// Run simulation
	sim.Run()

	// Print report
	sim.PrintReport()

	// The whole point of the exercise: after arbitrary concurrent
	// applies and reversals, every invoice must still satisfy
	// amount_due = max(total_amount - sum(payments), 0).
	checkInvariant(context.Background(), pgPool)
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		InvoiceRatio: getFloat("SIM_INVOICE_RATIO", 0.2),
		PayRatio:     getFloat("SIM_PAY_RATIO", 0.4),
		ReverseRatio: getFloat("SIM_REVERSE_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		ApptLimit:    getInt("SIM_APPT_LIMIT", 4000),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.InvoiceRatio + cfg.PayRatio + cfg.ReverseRatio + cfg.ReadRatio
	if total > 0 {
		cfg.InvoiceRatio /= total
		cfg.PayRatio /= total
		cfg.ReverseRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	// Load appointments that have not been invoiced yet
	rows, err := pool.Query(ctx, `
		SELECT a.id FROM appointments a
		LEFT JOIN invoices i ON i.appointment_id = a.id
		WHERE i.id IS NULL
		LIMIT $1
	`, cfg.ApptLimit)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Appointments = append(dataPool.Appointments, id)
	}

	// Load patients
	rows, err = pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	if len(dataPool.Appointments) == 0 {
		return nil, fmt.Errorf("no uninvoiced appointments loaded")
	}
	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
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
			case r < s.config.InvoiceRatio:
				s.doCreateInvoice(ctx, rng)
			case r < s.config.InvoiceRatio+s.config.PayRatio:
				s.doApplyPayment(ctx, rng)
			case r < s.config.InvoiceRatio+s.config.PayRatio+s.config.ReverseRatio:
				s.doReversePayment(ctx)
			default:
				if rng.Intn(2) == 0 {
					s.doReadInvoice(ctx)
				} else {
					s.doListByPatient(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doCreateInvoice(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Appointments) == 0 {
		return
	}

	apptID := s.pool.Appointments[rng.Intn(len(s.pool.Appointments))]

	start := time.Now()

	reqBody := map[string]string{
		"appointment_id": apptID.String(),
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/invoices", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var invResp struct {
				ID uuid.UUID `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				json.Unmarshal(bodyBytes, &invResp)
				if invResp.ID != uuid.Nil {
					s.pool.AddInvoice(invResp.ID)
				}
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Invoice.Record(latency, success, conflict)
}

func (s *Simulator) doApplyPayment(ctx context.Context, rng *rand.Rand) {
	invoiceID, ok := s.pool.GetRandomInvoice()
	if !ok {
		return
	}

	methods := []string{"cash", "card", "insurance", "bank_transfer"}
	amount := fmt.Sprintf("%d.%02d", rng.Intn(900)+100, rng.Intn(100))

	start := time.Now()

	reqBody := map[string]any{
		"amount": amount,
		"method": methods[rng.Intn(len(methods))],
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/invoices/%s/payments", s.config.APIBaseURL, invoiceID.String()), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var payResp struct {
				Payment struct {
					ID uuid.UUID `json:"id"`
				} `json:"payment"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				json.Unmarshal(bodyBytes, &payResp)
				if payResp.Payment.ID != uuid.Nil {
					s.pool.AddPayment(payResp.Payment.ID)
				}
			}
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Pay.Record(latency, success, conflict)
}

func (s *Simulator) doReversePayment(ctx context.Context) {
	paymentID, ok := s.pool.TakeRandomPayment()
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "DELETE",
		fmt.Sprintf("%s/payments/%s", s.config.APIBaseURL, paymentID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
			// Lock contention: put it back so another pass retries.
			s.pool.AddPayment(paymentID)
		}
	}

	s.metrics.Reverse.Record(latency, success, conflict)
}

func (s *Simulator) doReadInvoice(ctx context.Context) {
	invoiceID, ok := s.pool.GetRandomInvoice()
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/invoices/%s", s.config.APIBaseURL, invoiceID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Read.Record(latency, success, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Patients) == 0 {
		return
	}

	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/invoices?patient_id=%s&limit=20&offset=0", s.config.APIBaseURL, patientID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.List.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Create Invoice", &s.metrics.Invoice)
	printOperationReport("Apply Payment", &s.metrics.Pay)
	printOperationReport("Reverse Payment", &s.metrics.Reverse)
	printOperationReport("Read Invoice", &s.metrics.Read)
	printOperationReport("List by Patient", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func checkInvariant(ctx context.Context, pool *pgxpool.Pool) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var violations int
	err := pool.QueryRow(checkCtx, `
		SELECT count(*)
		FROM invoices i
		LEFT JOIN (
			SELECT invoice_id, SUM(paid_amount) AS paid
			FROM payments
			GROUP BY invoice_id
		) p ON p.invoice_id = i.id
		WHERE i.status <> 'cancelled'
		  AND i.amount_due <> GREATEST(i.total_amount - COALESCE(p.paid, 0), 0)
	`).Scan(&violations)
	if err != nil {
		log.Fatalf("invariant check failed to run: %v", err)
	}

	if violations > 0 {
		log.Fatalf("INVARIANT VIOLATED: %d invoices have amount_due inconsistent with their payment journal", violations)
	}
	log.Println("invariant holds: every invoice balance matches its payment journal")
}

// Helper functions

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

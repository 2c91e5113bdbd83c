package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinicore/clinic-billing/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	serviceIDs, err := seedCatalog(context.Background(), pool)
	if err != nil {
		log.Fatalf("seed catalog: %v", err)
	}
	doctorIDs, err := seedDoctors(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	patientIDs, err := seedPatients(context.Background(), pool, 5000)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedAppointments(context.Background(), pool, patientIDs, doctorIDs, serviceIDs, 8000); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	type entry struct {
		code     string
		name     string
		price    string
		duration int
	}

	catalog := []entry{
		{"CONSULT-GP", "General consultation", "450.00", 20},
		{"CONSULT-SPEC", "Specialist consultation", "900.00", 30},
		{"XRAY-CHEST", "Chest X-ray", "650.00", 15},
		{"LAB-CBC", "Complete blood count", "280.00", 10},
		{"LAB-LIPID", "Lipid panel", "350.00", 10},
		{"ECG", "Electrocardiogram", "520.00", 20},
		{"ULTRASOUND-ABD", "Abdominal ultrasound", "1200.00", 30},
		{"PHYSIO-SESSION", "Physiotherapy session", "600.00", 45},
		{"VACC-FLU", "Influenza vaccination", "180.00", 10},
		{"DRESSING", "Wound dressing", "150.00", 15},
	}

	log.Printf("seeding %d catalog services", len(catalog))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, len(catalog))
	for _, e := range catalog {
		id := uuid.New()
		price, err := decimal.NewFromString(e.price)
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO services (id, code, name, price, duration_minutes, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (code) DO NOTHING
		`, id, e.code, e.name, price, e.duration)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("catalog seeded")
	return ids, nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return ids, nil
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, patientIDs, doctorIDs, serviceIDs []uuid.UUID, count int) error {
	log.Printf("seeding %d appointments with service lines", count)

	const batchSize = 250

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			apptID := uuid.New()
			patientID := patientIDs[gofakeit.Number(0, len(patientIDs)-1)]
			doctorID := doctorIDs[gofakeit.Number(0, len(doctorIDs)-1)]
			scheduledAt := gofakeit.DateRange(time.Now().AddDate(0, -2, 0), time.Now().AddDate(0, 1, 0))

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, patient_id, doctor_id, scheduled_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, apptID, patientID, doctorID, scheduledAt)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			// 0 to 3 distinct services per appointment; zero lines is a
			// valid case that invoices to a zero total.
			lineCount := gofakeit.Number(0, 3)
			for j := 0; j < lineCount && j < len(serviceIDs); j++ {
				serviceID := serviceIDs[(gofakeit.Number(0, len(serviceIDs)-1)+j)%len(serviceIDs)]
				qty := gofakeit.Number(1, 3)

				_, err := tx.Exec(ctx, `
					INSERT INTO appointment_services (appointment_id, service_id, quantity, price_at_time, created_at)
					SELECT $1, s.id, $3, s.price, now()
					FROM services s
					WHERE s.id = $2
					ON CONFLICT (appointment_id, service_id) DO NOTHING
				`, apptID, serviceID, qty)
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("appointments seeded: %d/%d", end, count)
	}

	log.Println("appointments seeded")
	return nil
}

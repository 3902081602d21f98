// Package featurestore is the durable, crash-safe mapping from patient
// identity to admission and feature state. It is backed by SQLite through
// sqlx, instrumented with sqlhooks, and schema-migrated with golang-migrate.
package featurestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/pkg/lrucache"
	"github.com/akiops/aki-pipeline/pkg/model"
)

const featureCacheTTL = 24 * time.Hour

// Store is the feature store. All exported methods are safe for
// concurrent use: writers to the same identity are serialized by an
// in-process striped mutex, while reads proceed through a shared cache.
type Store struct {
	db        *sqlx.DB
	stmtCache *sq.StmtCache
	cache     *lrucache.Cache

	locksMu sync.Mutex
	locks   map[model.PatientIdentity]*sync.Mutex
}

// Open connects to the SQLite file at path, applying any pending schema
// migrations first. Failure is fatal to process startup.
func Open(path string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, err
	}

	db, err := connect(path)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		stmtCache: sq.NewStmtCache(db.DB),
		cache:     lrucache.New(4 * 1024 * 1024),
		locks:     make(map[model.PatientIdentity]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(identity model.PatientIdentity) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[identity]
	if !ok {
		m = &sync.Mutex{}
		s.locks[identity] = m
	}
	return m
}

func (s *Store) cacheKey(identity model.PatientIdentity) string {
	return "feature:" + string(identity)
}

func (s *Store) invalidate(identity model.PatientIdentity) {
	s.cache.Del(s.cacheKey(identity))
}

// LookupFeature returns a snapshot of the feature record for identity, or
// nil if no admission/feature record exists.
func (s *Store) LookupFeature(ctx context.Context, identity model.PatientIdentity) (*model.FeatureRecord, error) {
	key := s.cacheKey(identity)
	if cached := s.cache.Get(key, nil); cached != nil {
		rec := cached.(model.FeatureRecord)
		return &rec, nil
	}

	rec, err := s.queryFeature(ctx, identity)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	s.cache.Put(key, *rec, 1, featureCacheTTL)
	return rec, nil
}

func (s *Store) queryFeature(ctx context.Context, identity model.PatientIdentity) (*model.FeatureRecord, error) {
	row := sq.Select(
		"sex", "age", "min_value", "max_value", "mean_value", "std_dev",
		"last_result_value", "latest_result_timestamp", "sample_count", "ready_for_inference",
	).From("patient_feature").Where(sq.Eq{"identity": string(identity)}).
		RunWith(s.stmtCache).QueryRowContext(ctx)

	var (
		sex               int
		age               sql.NullInt64
		minValue          sql.NullFloat64
		maxValue          sql.NullFloat64
		meanValue         sql.NullFloat64
		stdDev            sql.NullFloat64
		lastResultValue   sql.NullFloat64
		latestResultTs    sql.NullString
		sampleCount       int
		readyForInference bool
	)

	if err := row.Scan(&sex, &age, &minValue, &maxValue, &meanValue, &stdDev,
		&lastResultValue, &latestResultTs, &sampleCount, &readyForInference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: querying feature record for %q: %v", errs.StorageFault, identity, err)
	}

	rec := &model.FeatureRecord{
		Identity:          identity,
		Sex:               model.Sex(sex),
		SampleCount:       sampleCount,
		ReadyForInference: readyForInference,
	}
	if age.Valid {
		a := int(age.Int64)
		rec.Age = &a
	}
	if minValue.Valid {
		rec.Min = &minValue.Float64
	}
	if maxValue.Valid {
		rec.Max = &maxValue.Float64
	}
	if meanValue.Valid {
		rec.Mean = &meanValue.Float64
	}
	if stdDev.Valid {
		rec.StdDev = &stdDev.Float64
	}
	if lastResultValue.Valid {
		rec.LastResultValue = &lastResultValue.Float64
	}
	if latestResultTs.Valid {
		t, err := time.Parse(time.RFC3339, latestResultTs.String)
		if err == nil {
			rec.LatestResultTimestamp = &t
		}
	}

	return rec, nil
}

// ApplyAdmission handles an admission event. For an unknown identity it
// creates both the admission and (empty) feature rows with status
// Admitted and returns nil. For a known identity it marks the admission
// Admitted and updates sex/age when provided, returning the resulting
// snapshot.
func (s *Store) ApplyAdmission(ctx context.Context, identity model.PatientIdentity, sex model.Sex, age *int) (*model.FeatureRecord, error) {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.admissionExists(ctx, identity)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := s.insertAdmissionAndFeature(ctx, identity, model.AdmissionAdmitted, sex, age); err != nil {
			return nil, err
		}
		s.invalidate(identity)
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning admission transaction: %v", errs.StorageFault, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE patient_admission SET admission_status = ? WHERE identity = ?`,
		model.AdmissionAdmitted.String(), string(identity)); err != nil {
		return nil, fmt.Errorf("%w: updating admission status for %q: %v", errs.StorageFault, identity, err)
	}

	if sex != model.SexUnknown {
		if _, err := tx.ExecContext(ctx,
			`UPDATE patient_feature SET sex = ? WHERE identity = ?`, int(sex), string(identity)); err != nil {
			return nil, fmt.Errorf("%w: updating sex for %q: %v", errs.StorageFault, identity, err)
		}
	}
	if age != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE patient_feature SET age = ? WHERE identity = ?`, *age, string(identity)); err != nil {
			return nil, fmt.Errorf("%w: updating age for %q: %v", errs.StorageFault, identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing admission update for %q: %v", errs.StorageFault, identity, err)
	}

	s.invalidate(identity)
	return s.queryFeature(ctx, identity)
}

// ApplyLabResult handles a lab-result event. For an unknown identity it
// creates a Pending admission and a single-sample feature record, then
// returns nil so the caller knows no prior history existed. For a known
// identity it returns the current snapshot unchanged; aggregation and
// commit are the caller's responsibility via CommitFeature.
func (s *Store) ApplyLabResult(ctx context.Context, identity model.PatientIdentity, value float64, timestamp time.Time) (*model.FeatureRecord, error) {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.admissionExists(ctx, identity)
	if err != nil {
		return nil, err
	}

	if !exists {
		seed := aggregatorSeed(identity, value, timestamp)
		if err := s.insertPendingAdmissionAndFeature(ctx, identity, seed); err != nil {
			return nil, err
		}
		s.invalidate(identity)
		return nil, nil
	}

	return s.queryFeature(ctx, identity)
}

func aggregatorSeed(identity model.PatientIdentity, value float64, timestamp time.Time) model.FeatureRecord {
	zero := 0.0
	return model.FeatureRecord{
		Identity:        identity,
		Min:             &value,
		Max:             &value,
		Mean:            &value,
		StdDev:          &zero,
		LastResultValue: &value,
		LatestResultTimestamp: &timestamp,
		SampleCount:           1,
	}
}

// CommitFeature overwrites the feature record for identity. Fails with
// errs.UnknownPatient if no admission record exists.
func (s *Store) CommitFeature(ctx context.Context, record model.FeatureRecord) error {
	lock := s.lockFor(record.Identity)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.admissionExists(ctx, record.Identity)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", errs.UnknownPatient, record.Identity)
	}

	if _, err := sq.Update("patient_feature").
		Set("sex", int(record.Sex)).
		Set("age", nullableInt(record.Age)).
		Set("min_value", nullableFloat(record.Min)).
		Set("max_value", nullableFloat(record.Max)).
		Set("mean_value", nullableFloat(record.Mean)).
		Set("std_dev", nullableFloat(record.StdDev)).
		Set("last_result_value", nullableFloat(record.LastResultValue)).
		Set("latest_result_timestamp", nullableTime(record.LatestResultTimestamp)).
		Set("sample_count", record.SampleCount).
		Set("ready_for_inference", record.ReadyForInference).
		Where(sq.Eq{"identity": string(record.Identity)}).
		RunWith(s.stmtCache).ExecContext(ctx); err != nil {
		return fmt.Errorf("%w: committing feature record for %q: %v", errs.StorageFault, record.Identity, err)
	}

	s.invalidate(record.Identity)
	return nil
}

// Discharge marks identity's admission as Discharged.
func (s *Store) Discharge(ctx context.Context, identity model.PatientIdentity) error {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	res, err := sq.Update("patient_admission").
		Set("admission_status", model.AdmissionDischarged.String()).
		Where(sq.Eq{"identity": string(identity)}).
		RunWith(s.stmtCache).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: discharging %q: %v", errs.StorageFault, identity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", errs.UnknownPatient, identity)
	}

	s.invalidate(identity)
	return nil
}

// Purge deletes the admission record for identity; the feature record is
// removed by the schema's ON DELETE CASCADE.
func (s *Store) Purge(ctx context.Context, identity model.PatientIdentity) error {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM patient_admission WHERE identity = ?`, string(identity)); err != nil {
		return fmt.Errorf("%w: purging %q: %v", errs.StorageFault, identity, err)
	}

	s.invalidate(identity)
	return nil
}

// IsEmpty reports whether the store holds no patients at all. The
// bootstrap loader uses this to decide whether a cold-start CSV import
// should run.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	if err := sq.Select("count(*)").From("patient_admission").
		RunWith(s.stmtCache).QueryRowContext(ctx).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: checking store emptiness: %v", errs.StorageFault, err)
	}
	return count == 0, nil
}

func (s *Store) admissionExists(ctx context.Context, identity model.PatientIdentity) (bool, error) {
	var count int
	if err := sq.Select("count(*)").From("patient_admission").
		Where(sq.Eq{"identity": string(identity)}).
		RunWith(s.stmtCache).QueryRowContext(ctx).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: checking admission existence for %q: %v", errs.StorageFault, identity, err)
	}
	return count > 0, nil
}

func (s *Store) insertAdmissionAndFeature(ctx context.Context, identity model.PatientIdentity, status model.AdmissionStatus, sex model.Sex, age *int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning admission insert: %v", errs.StorageFault, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO patient_admission (identity, admission_status) VALUES (?, ?)`,
		string(identity), status.String()); err != nil {
		return fmt.Errorf("%w: inserting admission for %q: %v", errs.StorageFault, identity, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO patient_feature (identity, sex, age, sample_count, ready_for_inference) VALUES (?, ?, ?, 0, 0)`,
		string(identity), int(sex), nullableInt(age)); err != nil {
		return fmt.Errorf("%w: inserting feature row for %q: %v", errs.StorageFault, identity, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing admission insert for %q: %v", errs.StorageFault, identity, err)
	}
	return nil
}

// insertPendingAdmissionAndFeature creates the Pending admission and the
// single-sample feature row for a lab result that arrived before any
// admission event, in one transaction: a crash between the two inserts
// would otherwise leave an AdmissionRecord with no matching
// FeatureRecord, violating the store's invariant that the two always
// exist together. Mirrors insertAdmissionAndFeature's transaction shape.
func (s *Store) insertPendingAdmissionAndFeature(ctx context.Context, identity model.PatientIdentity, rec model.FeatureRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning pending admission insert: %v", errs.StorageFault, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO patient_admission (identity, admission_status) VALUES (?, ?)`,
		string(identity), model.AdmissionPending.String()); err != nil {
		return fmt.Errorf("%w: inserting pending admission for %q: %v", errs.StorageFault, identity, err)
	}

	if _, err := sq.Insert("patient_feature").
		Columns("identity", "sex", "age", "min_value", "max_value", "mean_value", "std_dev",
			"last_result_value", "latest_result_timestamp", "sample_count", "ready_for_inference").
		Values(string(rec.Identity), int(rec.Sex), nullableInt(rec.Age), nullableFloat(rec.Min),
			nullableFloat(rec.Max), nullableFloat(rec.Mean), nullableFloat(rec.StdDev),
			nullableFloat(rec.LastResultValue), nullableTime(rec.LatestResultTimestamp),
			rec.SampleCount, rec.ReadyForInference).
		RunWith(tx).ExecContext(ctx); err != nil {
		return fmt.Errorf("%w: inserting feature row for %q: %v", errs.StorageFault, identity, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing pending admission insert for %q: %v", errs.StorageFault, identity, err)
	}
	return nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return v.Format(time.RFC3339)
}

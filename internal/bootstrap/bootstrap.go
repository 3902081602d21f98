// Package bootstrap performs the one-shot cold-start import of historical
// creatinine results into an empty feature store: the same sequential
// per-patient path live traffic uses (ApplyLabResult seeds the first
// sample, the aggregator folds in the rest), run once over a CSV dump
// instead of over the socket.
package bootstrap

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/pkg/aggregator"
	"github.com/akiops/aki-pipeline/pkg/log"
	"github.com/akiops/aki-pipeline/pkg/model"
)

// store is the subset of *featurestore.Store bootstrap depends on,
// narrowed so tests can exercise the aggregation logic against a fake.
type store interface {
	IsEmpty(ctx context.Context) (bool, error)
	ApplyLabResult(ctx context.Context, identity model.PatientIdentity, value float64, timestamp time.Time) (*model.FeatureRecord, error)
	LookupFeature(ctx context.Context, identity model.PatientIdentity) (*model.FeatureRecord, error)
	CommitFeature(ctx context.Context, record model.FeatureRecord) error
}

// observation is one (date, value) creatinine reading pulled from a wide
// CSV row, keyed by the numeric suffix shared between its date/result
// column pair.
type observation struct {
	at    time.Time
	value float64
}

// Run imports historical data from the CSV at path into st, skipping the
// import entirely if st already holds any patient. The CSV is expected to
// carry one row per patient: an "mrn" identity column plus any number of
// "creatinine_date_N"/"creatinine_result_N" column pairs, mirroring the
// source system's history.csv layout.
func Run(ctx context.Context, st store, path string) error {
	empty, err := st.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		log.Info("bootstrap: feature store already populated, skipping historical import")
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening bootstrap CSV %q: %v", errs.FatalStartupError, path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("%w: reading bootstrap CSV header: %v", errs.FatalStartupError, err)
	}

	cols, err := indexColumns(header)
	if err != nil {
		return err
	}

	imported := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading bootstrap CSV row: %v", errs.FatalStartupError, err)
		}

		identity, observations, err := parseRow(cols, row)
		if err != nil {
			log.Warnf("bootstrap: skipping malformed row: %v", err)
			continue
		}
		if identity == "" || len(observations) == 0 {
			continue
		}

		if err := importPatient(ctx, st, identity, observations); err != nil {
			return err
		}
		imported++
	}

	log.Infof("bootstrap: imported historical features for %d patients from %s", imported, path)
	return nil
}

// columnIndex locates the mrn column and every creatinine_date_N /
// creatinine_result_N pair by header name.
type columnIndex struct {
	mrn   int
	pairs []pairIndex
}

type pairIndex struct {
	date, result int
}

func indexColumns(header []string) (columnIndex, error) {
	cols := columnIndex{mrn: -1}
	dateCols := make(map[string]int)
	resultCols := make(map[string]int)

	for i, name := range header {
		name = strings.TrimSpace(name)
		switch {
		case name == "mrn":
			cols.mrn = i
		case strings.HasPrefix(name, "creatinine_date"):
			dateCols[strings.TrimPrefix(name, "creatinine_date")] = i
		case strings.HasPrefix(name, "creatinine_result"):
			resultCols[strings.TrimPrefix(name, "creatinine_result")] = i
		}
	}

	if cols.mrn == -1 {
		return columnIndex{}, fmt.Errorf("%w: bootstrap CSV missing mrn column", errs.FatalStartupError)
	}

	for suffix, dateIdx := range dateCols {
		resultIdx, ok := resultCols[suffix]
		if !ok {
			continue
		}
		cols.pairs = append(cols.pairs, pairIndex{date: dateIdx, result: resultIdx})
	}

	return cols, nil
}

func parseRow(cols columnIndex, row []string) (model.PatientIdentity, []observation, error) {
	if cols.mrn >= len(row) {
		return "", nil, fmt.Errorf("row too short for mrn column")
	}
	identity := model.PatientIdentity(strings.TrimSpace(row[cols.mrn]))

	var observations []observation
	for _, pair := range cols.pairs {
		if pair.date >= len(row) || pair.result >= len(row) {
			continue
		}
		dateField := strings.TrimSpace(row[pair.date])
		resultField := strings.TrimSpace(row[pair.result])
		if dateField == "" || resultField == "" {
			continue
		}

		at, err := parseCSVTimestamp(dateField)
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(resultField, 64)
		if err != nil {
			continue
		}

		observations = append(observations, observation{at: at, value: value})
	}

	sort.Slice(observations, func(i, j int) bool { return observations[i].at.Before(observations[j].at) })
	return identity, observations, nil
}

func parseCSVTimestamp(field string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", "20060102150405", "20060102"} {
		if t, err := time.Parse(layout, field); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", field)
}

// importPatient seeds identity with its first observation via
// ApplyLabResult (creating the Pending admission and single-sample
// feature row) then folds in the rest through the same aggregator the
// live path uses, committing once per remaining sample.
func importPatient(ctx context.Context, st store, identity model.PatientIdentity, observations []observation) error {
	first := observations[0]
	if _, err := st.ApplyLabResult(ctx, identity, first.value, first.at); err != nil {
		return err
	}

	for _, obs := range observations[1:] {
		prior, err := st.LookupFeature(ctx, identity)
		if err != nil {
			return err
		}
		if prior == nil {
			return fmt.Errorf("%w: %q vanished mid-import", errs.StorageFault, identity)
		}

		next := aggregator.Apply(*prior, obs.value, &obs.at)
		next.ReadyForInference = false // demographics are absent until admission arrives
		if err := st.CommitFeature(ctx, next); err != nil {
			return err
		}
	}

	return nil
}

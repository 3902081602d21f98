// Package model holds the domain types shared across the AKI pipeline:
// patient identity, admission state, and the running per-patient feature
// record the aggregator and feature store operate on.
package model

import "time"

// PatientIdentity is the opaque patient identifier carried by PID-3 in the
// inbound message stream. It is never parsed or interpreted, only compared.
type PatientIdentity string

// AdmissionStatus tracks where a patient sits in the admission lifecycle.
type AdmissionStatus int

const (
	// AdmissionUnknown is the zero value: no admission record exists yet.
	AdmissionUnknown AdmissionStatus = iota
	AdmissionPending
	AdmissionAdmitted
	AdmissionDischarged
)

func (s AdmissionStatus) String() string {
	switch s {
	case AdmissionPending:
		return "Pending"
	case AdmissionAdmitted:
		return "Admitted"
	case AdmissionDischarged:
		return "Discharged"
	default:
		return "Unknown"
	}
}

// Sex is the patient sex as carried by PID-8. The zero value SexUnknown
// means no sex has been observed; the reference predictor scores
// SexFemale as 1 and any other value as 0.
type Sex int

const (
	SexUnknown Sex = iota
	SexMale
	SexFemale
)

// AdmissionRecord is the lifecycle state of one patient's hospital stay.
type AdmissionRecord struct {
	Identity           PatientIdentity
	Status             AdmissionStatus
	DateOfBirth        *time.Time
	AdmissionTimestamp *time.Time
}

// FeatureRecord is the running aggregate of a patient's creatinine results,
// plus the demographic fields the predictor needs alongside them.
type FeatureRecord struct {
	Identity              PatientIdentity
	Sex                   Sex
	Age                   *int
	Min                   *float64
	Max                   *float64
	Mean                  *float64
	StdDev                *float64
	LastResultValue       *float64
	LatestResultTimestamp *time.Time
	SampleCount           int
	ReadyForInference     bool
}

// Ready reports whether every field the predictor needs has been observed
// at least once. Mirrors the source's "all values present" readiness check.
func (f FeatureRecord) Ready() bool {
	return f.Age != nil && f.Sex != SexUnknown &&
		f.Min != nil && f.Max != nil && f.Mean != nil &&
		f.StdDev != nil && f.LastResultValue != nil
}

// EventType distinguishes the handful of inbound message kinds the
// decoder recognizes.
type EventType int

const (
	EventUnknown EventType = iota
	EventAdmission           // ADT^A01
	EventDischarge           // ADT^A03
	EventLabResult           // ORU^R01
	EventAck                 // ACK
)

// Event is the decoded, transport-agnostic representation of one inbound
// message, after framing and segment parsing but before feature-store or
// aggregator logic is applied.
type Event struct {
	Type      EventType
	Identity  PatientIdentity
	Sex       Sex
	DOB       *time.Time
	Result    *float64
	Timestamp *time.Time
}

// Features is the fixed, ordered input tuple the predictor consumes.
type Features struct {
	Age             int
	Sex             Sex
	Mean            float64
	StdDev          float64
	Max             float64
	Min             float64
	LastResultValue float64
}

// FromFeatureRecord builds a Features tuple from a ready FeatureRecord. The
// caller must check Ready() first; this does not re-validate.
func FromFeatureRecord(f FeatureRecord) Features {
	return Features{
		Age:             *f.Age,
		Sex:             f.Sex,
		Mean:            *f.Mean,
		StdDev:          *f.StdDev,
		Max:             *f.Max,
		Min:             *f.Min,
		LastResultValue: *f.LastResultValue,
	}
}

// Decision is the predictor's verdict for one Features tuple.
type Decision struct {
	Positive bool
	Score    float64
}

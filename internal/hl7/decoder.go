// Package hl7 decodes the bespoke segment-oriented text dialect carried
// inside MLLP frames into typed model.Event values. It implements only the
// handful of segments and message types the pipeline observes; it is not a
// general HL7v2 parser.
package hl7

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/akiops/aki-pipeline/pkg/model"
)

// DecodeError reports a malformed payload, a missing required field for
// the declared message type, or a non-finite numeric field.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("hl7: decode error: %s", e.Reason)
}

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

const dobLayout = "20060102"

// segment is one `|`-delimited line of the message.
type segment []string

func (s segment) field(i int) string {
	if i < 0 || i >= len(s) {
		return ""
	}
	return s[i]
}

// Decode parses one complete MLLP payload (the bytes between the trailer
// markers, already stripped by internal/mllp) into a model.Event.
func Decode(payload []byte, now time.Time) (model.Event, error) {
	segments, err := splitSegments(payload)
	if err != nil {
		return model.Event{}, err
	}

	byType := indexSegments(segments)

	msh, ok := byType["MSH"]
	if !ok {
		return model.Event{}, decodeErrorf("missing MSH segment")
	}

	// MSH-1 is the field separator itself, so MSH-9 sits at split index 8.
	msgType := msh.field(8)
	if msgType == "" {
		return model.Event{}, decodeErrorf("MSH-9 message type is empty")
	}

	switch msgType {
	case "ADT^A01":
		return decodeAdmission(byType, now)
	case "ADT^A03":
		return decodeDischarge(byType)
	case "ORU^R01":
		return decodeLabResult(byType)
	case "ACK":
		return model.Event{Type: model.EventAck}, nil
	default:
		return model.Event{Type: model.EventUnknown}, nil
	}
}

func splitSegments(payload []byte) ([]segment, error) {
	raw := strings.Split(string(payload), "\r")
	segments := make([]segment, 0, len(raw))
	for _, line := range raw {
		if line == "" {
			continue
		}
		segments = append(segments, strings.Split(line, "|"))
	}
	if len(segments) == 0 {
		return nil, decodeErrorf("empty payload")
	}
	return segments, nil
}

// indexSegments returns the first segment seen for each 3-character
// prefix. The message types this package handles never repeat a segment.
func indexSegments(segments []segment) map[string]segment {
	byType := make(map[string]segment, len(segments))
	for _, s := range segments {
		if len(s) == 0 || len(s[0]) < 3 {
			continue
		}
		prefix := s[0][:3]
		if _, exists := byType[prefix]; !exists {
			byType[prefix] = s
		}
	}
	return byType
}

func decodeAdmission(byType map[string]segment, now time.Time) (model.Event, error) {
	pid, ok := byType["PID"]
	if !ok {
		return model.Event{}, decodeErrorf("ADT^A01 missing PID segment")
	}

	identity := pid.field(3)
	if identity == "" {
		return model.Event{}, decodeErrorf("ADT^A01 missing patient identity (PID-3)")
	}

	event := model.Event{Type: model.EventAdmission, Identity: model.PatientIdentity(identity)}

	if sexField := pid.field(8); sexField != "" {
		sex, err := parseSex(sexField)
		if err != nil {
			return model.Event{}, err
		}
		event.Sex = sex
	}

	if dobField := pid.field(7); dobField != "" {
		dob, err := time.Parse(dobLayout, dobField)
		if err != nil {
			return model.Event{}, decodeErrorf("ADT^A01 malformed date of birth (PID-7): %v", err)
		}
		event.DOB = &dob
	}

	return event, nil
}

func decodeDischarge(byType map[string]segment) (model.Event, error) {
	pid, ok := byType["PID"]
	if !ok {
		return model.Event{}, decodeErrorf("ADT^A03 missing PID segment")
	}

	identity := pid.field(3)
	if identity == "" {
		return model.Event{}, decodeErrorf("ADT^A03 missing patient identity (PID-3)")
	}

	return model.Event{Type: model.EventDischarge, Identity: model.PatientIdentity(identity)}, nil
}

func decodeLabResult(byType map[string]segment) (model.Event, error) {
	pid, ok := byType["PID"]
	if !ok {
		return model.Event{}, decodeErrorf("ORU^R01 missing PID segment")
	}
	obr, ok := byType["OBR"]
	if !ok {
		return model.Event{}, decodeErrorf("ORU^R01 missing OBR segment")
	}
	obx, ok := byType["OBX"]
	if !ok {
		return model.Event{}, decodeErrorf("ORU^R01 missing OBX segment")
	}

	identity := pid.field(3)
	if identity == "" {
		return model.Event{}, decodeErrorf("ORU^R01 missing patient identity (PID-3)")
	}

	resultField := obx.field(5)
	value, err := strconv.ParseFloat(resultField, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return model.Event{}, decodeErrorf("ORU^R01 non-finite or unparseable result (OBX-5): %q", resultField)
	}

	tsField := obr.field(7)
	if tsField == "" {
		return model.Event{}, decodeErrorf("ORU^R01 missing observation timestamp (OBR-7)")
	}
	ts, err := parseTimestamp(tsField)
	if err != nil {
		return model.Event{}, decodeErrorf("ORU^R01 malformed observation timestamp (OBR-7): %v", err)
	}

	return model.Event{
		Type:      model.EventLabResult,
		Identity:  model.PatientIdentity(identity),
		Result:    &value,
		Timestamp: &ts,
	}, nil
}

func parseSex(field string) (model.Sex, error) {
	switch strings.ToUpper(field) {
	case "M":
		return model.SexMale, nil
	case "F":
		return model.SexFemale, nil
	default:
		return model.SexUnknown, decodeErrorf("unrecognised sex field (PID-8): %q", field)
	}
}

// parseTimestamp accepts the HL7 DTM forms this dialect's OBR-7 carries:
// YYYYMMDDhhmmss, falling back to the bare date YYYYMMDD.
func parseTimestamp(field string) (time.Time, error) {
	for _, layout := range []string{"20060102150405", dobLayout} {
		if len(field) == len(layout) {
			if t, err := time.Parse(layout, field); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp format: %q", field)
}

// Age computes completed years from dob to now using the anniversary rule:
// subtract one if today precedes the birthday within the current year.
func Age(dob time.Time, now time.Time) int {
	age := now.Year() - dob.Year()
	anniversary := time.Date(now.Year(), dob.Month(), dob.Day(), 0, 0, 0, 0, now.Location())
	if now.Before(anniversary) {
		age--
	}
	return age
}

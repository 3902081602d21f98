package hl7

import (
	"testing"
	"time"

	"github.com/akiops/aki-pipeline/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(segments ...string) []byte {
	joined := ""
	for _, s := range segments {
		joined += s + "\r"
	}
	return []byte(joined)
}

func TestDecodeAdmission(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	payload := msg(
		"MSH|^~\\&|A|B|C|D|20260101000000||ADT^A01|1|P|2.3",
		"PID|1||PAT123||DOE^JOHN||19900615|M",
	)

	event, err := Decode(payload, now)
	require.NoError(t, err)

	assert.Equal(t, model.EventAdmission, event.Type)
	assert.Equal(t, model.PatientIdentity("PAT123"), event.Identity)
	assert.Equal(t, model.SexMale, event.Sex)
	require.NotNil(t, event.DOB)
	assert.Equal(t, 1990, event.DOB.Year())
	assert.Equal(t, time.June, event.DOB.Month())
	assert.Equal(t, 15, event.DOB.Day())
}

func TestDecodeAdmissionMissingPID(t *testing.T) {
	payload := msg("MSH|^~\\&|A|B|C|D|20260101000000||ADT^A01|1|P|2.3")
	_, err := Decode(payload, time.Now())
	assert.Error(t, err)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestDecodeDischarge(t *testing.T) {
	payload := msg(
		"MSH|^~\\&|A|B|C|D|20260101000000||ADT^A03|1|P|2.3",
		"PID|1||PAT123",
	)

	event, err := Decode(payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.EventDischarge, event.Type)
	assert.Equal(t, model.PatientIdentity("PAT123"), event.Identity)
}

func TestDecodeLabResult(t *testing.T) {
	payload := msg(
		"MSH|^~\\&|A|B|C|D|20260101000000||ORU^R01|1|P|2.3",
		"PID|1||PAT123",
		"OBR|1||||||20260115093000",
		"OBX|1|NM|CREAT||1.23|mg/dL",
	)

	event, err := Decode(payload, time.Now())
	require.NoError(t, err)

	assert.Equal(t, model.EventLabResult, event.Type)
	assert.Equal(t, model.PatientIdentity("PAT123"), event.Identity)
	require.NotNil(t, event.Result)
	assert.InDelta(t, 1.23, *event.Result, 1e-9)
	require.NotNil(t, event.Timestamp)
	assert.Equal(t, 2026, event.Timestamp.Year())
	assert.Equal(t, time.January, event.Timestamp.Month())
	assert.Equal(t, 15, event.Timestamp.Day())
}

func TestDecodeLabResultNonFiniteValue(t *testing.T) {
	payload := msg(
		"MSH|^~\\&|A|B|C|D|20260101000000||ORU^R01|1|P|2.3",
		"PID|1||PAT123",
		"OBR|1||||||20260115093000",
		"OBX|1|NM|CREAT||not-a-number|mg/dL",
	)

	_, err := Decode(payload, time.Now())
	assert.Error(t, err)
}

func TestDecodeAck(t *testing.T) {
	payload := msg("MSH|^~\\&|ACK_APP|ACK_FAC|SIMULATOR|SIM_FAC|20250129090000||ACK|12345|P|2.3", "MSA|AA|12345")
	event, err := Decode(payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.EventAck, event.Type)
}

func TestDecodeUnknownMessageType(t *testing.T) {
	payload := msg("MSH|^~\\&|A|B|C|D|20260101000000||QRY^A19|1|P|2.3")
	event, err := Decode(payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.EventUnknown, event.Type)
}

func TestDecodeEmptyPayload(t *testing.T) {
	_, err := Decode([]byte(""), time.Now())
	assert.Error(t, err)
}

func TestAgeAnniversaryRule(t *testing.T) {
	dob := time.Date(2000, time.July, 31, 0, 0, 0, 0, time.UTC)

	beforeBirthday := time.Date(2026, time.July, 30, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 25, Age(dob, beforeBirthday))

	onBirthday := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 26, Age(dob, onBirthday))

	afterBirthday := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 26, Age(dob, afterBirthday))
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthrecord

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	rec := &Record{
		ID:        "r1",
		UserID:    "u1",
		Kind:      KindMedication,
		Payload:   json.RawMessage(`{"name":"Aspirin"}`),
		UpdatedAt: 100,
		DeviceID:  "dev-a",
	}
	require.NoError(t, rec.Validate())

	missing := *rec
	missing.ID = ""
	require.Error(t, missing.Validate())

	badKind := *rec
	badKind.Kind = "note"
	require.Error(t, badKind.Validate())

	badTime := *rec
	badTime.UpdatedAt = 0
	require.Error(t, badTime.Validate())

	badPayload := *rec
	badPayload.Payload = json.RawMessage(`{not json`)
	require.Error(t, badPayload.Validate())
}

func TestCloneDoesNotAliasPayload(t *testing.T) {
	rec := &Record{
		ID:        "r1",
		UserID:    "u1",
		Kind:      KindDoctor,
		Payload:   json.RawMessage(`{"name":"Dr. Lee"}`),
		UpdatedAt: 5,
	}
	cp := rec.Clone()
	cp.Payload[2] = 'x'
	require.Equal(t, byte('n'), rec.Payload[2])
}

func TestSamePayload(t *testing.T) {
	a := &Record{Payload: json.RawMessage(`{"name":"A"}`)}
	b := &Record{Payload: json.RawMessage(`{"name":"A"}`)}
	require.True(t, a.SamePayload(b))

	b.Deleted = true
	require.False(t, a.SamePayload(b))

	b.Deleted = false
	b.Payload = json.RawMessage(`{"name":"B"}`)
	require.False(t, a.SamePayload(b))
}

func TestPayloadRoundTrip(t *testing.T) {
	raw, err := EncodePayload(MedicationPayload{Name: "Metformin", Dosage: "500mg"})
	require.NoError(t, err)

	var med MedicationPayload
	require.NoError(t, DecodePayload(raw, &med))
	require.Equal(t, "Metformin", med.Name)
	require.Equal(t, "500mg", med.Dosage)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthrecord

import (
	"encoding/json"
	"fmt"
)

// Typed payloads for the four record kinds. The sync engine never
// inspects these; they exist for app layers, the simulator, and the
// AI conflict-analysis feature that consumes synced records.

// MedicationPayload describes a prescribed medication.
type MedicationPayload struct {
	Name       string `json:"name"`
	Dosage     string `json:"dosage,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Prescriber string `json:"prescriber,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// SupplementPayload describes an over-the-counter supplement.
type SupplementPayload struct {
	Name     string `json:"name"`
	Dosage   string `json:"dosage,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// DietEntryPayload describes a single diet/intake entry.
type DietEntryPayload struct {
	Description string `json:"description"`
	MealType    string `json:"meal_type,omitempty"`
	ConsumedAt  int64  `json:"consumed_at,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// DoctorPayload describes a doctor contact.
type DoctorPayload struct {
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// EncodePayload marshals a typed payload into the envelope form.
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals an envelope payload into a typed struct.
func DecodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

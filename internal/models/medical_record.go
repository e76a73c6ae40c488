package models

import (
	"time"
)

// MedicalRecordType represents the type of medical record
type MedicalRecordType string

const (
	RecordTypeConsultation     MedicalRecordType = "ConsultationNote"
	RecordTypeLabResult        MedicalRecordType = "LabResult"
	RecordTypePrescription     MedicalRecordType = "Prescription"
	RecordTypeImagingReport    MedicalRecordType = "ImagingReport"
	RecordTypeVaccination      MedicalRecordType = "VaccinationRecord"
	RecordTypeAllergy          MedicalRecordType = "AllergyRecord"
	RecordTypeDischargeSummary MedicalRecordType = "DischargeSummary"
	RecordTypeTriageHandoff    MedicalRecordType = "TriageHandoff"
)

// Valid reports whether t is one of the known record types.
func (t MedicalRecordType) Valid() bool {
	switch t {
	case RecordTypeConsultation, RecordTypeLabResult, RecordTypePrescription,
		RecordTypeImagingReport, RecordTypeVaccination, RecordTypeAllergy,
		RecordTypeDischargeSummary, RecordTypeTriageHandoff:
		return true
	default:
		return false
	}
}

// MedicalRecord represents a patient's medical record. AllergyRecord and
// Prescription records double as the allergy and medication lists shown to
// the triage assistant.
type MedicalRecord struct {
	BaseModel
	PatientID       string            `gorm:"size:36;index" json:"patientId"`
	DoctorID        string            `gorm:"size:36;index" json:"doctorId"`
	TriageSessionID *string           `gorm:"size:36;index" json:"triageSessionId,omitempty"`
	RecordType      MedicalRecordType `gorm:"size:50;index" json:"recordType"`
	RecordDate      time.Time         `json:"date"`
	Title           string            `gorm:"size:255;not null" json:"title"`
	Department      string            `gorm:"size:100" json:"department"`
	Summary         string            `gorm:"type:text" json:"summary"`
	Details         string            `gorm:"type:text" json:"details"`

	// Relations
	Patient User `gorm:"foreignKey:PatientID" json:"-"`
	Doctor  User `gorm:"foreignKey:DoctorID" json:"-"`
}

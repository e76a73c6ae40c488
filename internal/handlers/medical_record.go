package handlers

import (
	"errors"
	"time"

	"medlink-server/internal/middleware"
	"medlink-server/internal/models"
	"medlink-server/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MedicalRecordHandler handles medical record related requests.
type MedicalRecordHandler struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewMedicalRecordHandler creates a new MedicalRecordHandler.
func NewMedicalRecordHandler(db *gorm.DB, logger *zap.Logger) *MedicalRecordHandler {
	return &MedicalRecordHandler{DB: db, Logger: logger}
}

// CreateMedicalRecordRequest represents the request body for creating a medical record.
type CreateMedicalRecordRequest struct {
	PatientID       string                   `json:"patientId" binding:"required,uuid"`
	TriageSessionID string                   `json:"triageSessionId" binding:"omitempty,uuid"`
	RecordType      models.MedicalRecordType `json:"recordType" binding:"required"`
	RecordDate      string                   `json:"recordDate"`
	Title           string                   `json:"title" binding:"required,max=255"`
	Department      string                   `json:"department" binding:"max=100"`
	Summary         string                   `json:"summary" binding:"required"`
	Details         string                   `json:"details"`
}

// CreateMedicalRecord handles creating a new medical record.
// Only accessible by doctors.
func (h *MedicalRecordHandler) CreateMedicalRecord(c *gin.Context) {
	var req CreateMedicalRecordRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	if !req.RecordType.Valid() {
		utils.BadRequest(c, "Unknown record type")
		return
	}

	doctorID, _ := middleware.GetUserIDFromContext(c)

	var patient models.User
	if err := h.DB.Where("id = ? AND role = ?", req.PatientID, models.RolePatient).First(&patient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "Patient not found")
		} else {
			h.Logger.Error("verify patient for medical record", zap.Error(err))
			utils.InternalServerError(c, "Database error")
		}
		return
	}

	recordDate := time.Now()
	if req.RecordDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.RecordDate)
		if err != nil {
			utils.BadRequest(c, "Invalid date format. Please use ISO 8601 format (YYYY-MM-DDTHH:MM:SSZ)")
			return
		}
		recordDate = parsed
	}

	record := models.MedicalRecord{
		PatientID:  patient.ID,
		DoctorID:   doctorID,
		RecordType: req.RecordType,
		RecordDate: recordDate,
		Title:      req.Title,
		Department: req.Department,
		Summary:    req.Summary,
		Details:    req.Details,
	}
	if req.TriageSessionID != "" {
		sessionID := req.TriageSessionID
		record.TriageSessionID = &sessionID
	}

	if err := h.DB.Create(&record).Error; err != nil {
		h.Logger.Error("create medical record", zap.Error(err))
		utils.InternalServerError(c, "Failed to create medical record")
		return
	}

	utils.Created(c, "Medical record created successfully", record)
}

// GetMedicalRecordsForPatient handles fetching medical records for a specific patient.
// Accessible by the patient themselves or clinicians.
func (h *MedicalRecordHandler) GetMedicalRecordsForPatient(c *gin.Context) {
	patientID := c.Param("patientId")
	if !canViewPatient(c, patientID) {
		utils.Forbidden(c, "You are not authorized to view these medical records")
		return
	}

	query := h.DB.Where("patient_id = ?", patientID).Order("record_date desc")
	if recordType := models.MedicalRecordType(c.Query("type")); recordType != "" {
		if !recordType.Valid() {
			utils.BadRequest(c, "Unknown record type")
			return
		}
		query = query.Where("record_type = ?", recordType)
	}

	var records []models.MedicalRecord
	if err := query.Find(&records).Error; err != nil {
		h.Logger.Error("list medical records", zap.Error(err))
		utils.InternalServerError(c, "Failed to fetch medical records")
		return
	}

	utils.Success(c, "Medical records fetched successfully", records)
}

func canViewPatient(c *gin.Context, patientID string) bool {
	userID, _ := middleware.GetUserIDFromContext(c)
	role, _ := middleware.GetUserRoleFromContext(c)
	return role.IsClinician() || userID == patientID
}

func (h *MedicalRecordHandler) loadRecord(c *gin.Context) (*models.MedicalRecord, bool) {
	var record models.MedicalRecord
	if err := h.DB.First(&record, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "Medical record not found")
		} else {
			h.Logger.Error("load medical record", zap.Error(err))
			utils.InternalServerError(c, "Database error")
		}
		return nil, false
	}
	return &record, true
}

// GetMedicalRecordByID handles fetching a single medical record.
func (h *MedicalRecordHandler) GetMedicalRecordByID(c *gin.Context) {
	record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	if !canViewPatient(c, record.PatientID) {
		utils.Forbidden(c, "You are not authorized to view this medical record")
		return
	}
	utils.Success(c, "Medical record fetched successfully", record)
}

// UpdateMedicalRecordRequest represents the request body for updating a medical record.
type UpdateMedicalRecordRequest struct {
	RecordType models.MedicalRecordType `json:"recordType"`
	Title      string                   `json:"title" binding:"max=255"`
	Department string                   `json:"department" binding:"max=100"`
	Summary    string                   `json:"summary"`
	Details    string                   `json:"details"`
}

// UpdateMedicalRecord lets the authoring doctor, or an admin, edit a record.
func (h *MedicalRecordHandler) UpdateMedicalRecord(c *gin.Context) {
	var req UpdateMedicalRecordRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	if req.RecordType != "" && !req.RecordType.Valid() {
		utils.BadRequest(c, "Unknown record type")
		return
	}

	record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	if !canEditRecord(c, record) {
		utils.Forbidden(c, "You are not authorized to update this medical record")
		return
	}

	if req.RecordType != "" {
		record.RecordType = req.RecordType
	}
	if req.Title != "" {
		record.Title = req.Title
	}
	if req.Department != "" {
		record.Department = req.Department
	}
	if req.Summary != "" {
		record.Summary = req.Summary
	}
	if req.Details != "" {
		record.Details = req.Details
	}

	if err := h.DB.Save(record).Error; err != nil {
		h.Logger.Error("update medical record", zap.Error(err))
		utils.InternalServerError(c, "Failed to update medical record")
		return
	}
	utils.Success(c, "Medical record updated successfully", record)
}

// DeleteMedicalRecord removes a record.
func (h *MedicalRecordHandler) DeleteMedicalRecord(c *gin.Context) {
	record, ok := h.loadRecord(c)
	if !ok {
		return
	}
	if !canEditRecord(c, record) {
		utils.Forbidden(c, "You are not authorized to delete this medical record")
		return
	}

	if err := h.DB.Delete(record).Error; err != nil {
		h.Logger.Error("delete medical record", zap.Error(err))
		utils.InternalServerError(c, "Failed to delete medical record")
		return
	}
	utils.Success(c, "Medical record deleted successfully", nil)
}

func canEditRecord(c *gin.Context, record *models.MedicalRecord) bool {
	userID, _ := middleware.GetUserIDFromContext(c)
	role, _ := middleware.GetUserRoleFromContext(c)
	return role == models.RoleAdmin || (role == models.RoleDoctor && record.DoctorID == userID)
}

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

const defaultAppointmentLength = 30 * time.Minute

// AppointmentHandler handles appointment related requests.
type AppointmentHandler struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewAppointmentHandler creates a new AppointmentHandler.
func NewAppointmentHandler(db *gorm.DB, logger *zap.Logger) *AppointmentHandler {
	return &AppointmentHandler{DB: db, Logger: logger}
}

// CreateAppointmentRequest represents the request body for creating an appointment.
// A triage session reference sets the priority from the session risk level.
type CreateAppointmentRequest struct {
	DoctorID        string    `json:"doctorId" binding:"required,uuid"`
	PatientID       string    `json:"patientId" binding:"omitempty,uuid"`
	TriageSessionID string    `json:"triageSessionId" binding:"omitempty,uuid"`
	StartTime       time.Time `json:"startTime" binding:"required"`
	DurationMinutes int       `json:"durationMinutes" binding:"omitempty,min=5,max=240"`
	Reason          string    `json:"reason" binding:"required"`
	Notes           string    `json:"notes"`
}

// CreateAppointment handles creating a new appointment.
func (h *AppointmentHandler) CreateAppointment(c *gin.Context) {
	var req CreateAppointmentRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	userID, _ := middleware.GetUserIDFromContext(c)
	role, _ := middleware.GetUserRoleFromContext(c)

	patientID := req.PatientID
	switch role {
	case models.RolePatient:
		if patientID != "" && patientID != userID {
			utils.Forbidden(c, "Patients can only book appointments for themselves.")
			return
		}
		patientID = userID
	default:
		if patientID == "" {
			utils.BadRequest(c, "patientId is required")
			return
		}
	}

	if req.StartTime.Before(time.Now()) {
		utils.BadRequest(c, "Appointment date must be in the future.")
		return
	}

	if !h.userHasRole(c, req.DoctorID, models.RoleDoctor, "Doctor not found or user is not a doctor") ||
		!h.userHasRole(c, patientID, models.RolePatient, "Patient not found") {
		return
	}

	length := defaultAppointmentLength
	if req.DurationMinutes > 0 {
		length = time.Duration(req.DurationMinutes) * time.Minute
	}
	appointment := models.Appointment{
		PatientID: patientID,
		DoctorID:  req.DoctorID,
		StartTime: req.StartTime,
		EndTime:   req.StartTime.Add(length),
		Reason:    req.Reason,
		Notes:     req.Notes,
		Status:    models.StatusPending,
		Priority:  models.PriorityRoutine,
	}

	if req.TriageSessionID != "" {
		var session models.TriageSession
		if err := h.DB.First(&session, "id = ? AND patient_id = ?", req.TriageSessionID, patientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				utils.NotFound(c, "Triage session not found for this patient")
			} else {
				h.Logger.Error("load triage session for appointment", zap.Error(err))
				utils.InternalServerError(c, "Database error")
			}
			return
		}
		sessionID := session.ID
		appointment.TriageSessionID = &sessionID
		appointment.Priority = models.PriorityForRisk(session.RiskLevel)
	}

	if err := h.DB.Create(&appointment).Error; err != nil {
		h.Logger.Error("create appointment", zap.Error(err))
		utils.InternalServerError(c, "Failed to create appointment")
		return
	}

	utils.Created(c, "Appointment created successfully", appointment)
}

func (h *AppointmentHandler) userHasRole(c *gin.Context, id string, role models.Role, notFound string) bool {
	var user models.User
	if err := h.DB.Where("id = ? AND role = ?", id, role).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, notFound)
		} else {
			h.Logger.Error("verify appointment participant", zap.String("role", string(role)), zap.Error(err))
			utils.InternalServerError(c, "Database error")
		}
		return false
	}
	return true
}

// GetAppointmentsForUser handles fetching appointments for the logged-in user (patient or doctor).
func (h *AppointmentHandler) GetAppointmentsForUser(c *gin.Context) {
	userID, _ := middleware.GetUserIDFromContext(c)
	role, _ := middleware.GetUserRoleFromContext(c)

	query := h.DB.Order("start_time asc")
	switch role {
	case models.RolePatient:
		query = query.Where("patient_id = ?", userID)
	case models.RoleDoctor:
		query = query.Where("doctor_id = ?", userID)
	case models.RoleAdmin:
	default:
		utils.Forbidden(c, "User role not permitted to view appointments")
		return
	}
	if status := models.AppointmentStatus(c.Query("status")); status != "" {
		if !status.Valid() {
			utils.BadRequest(c, "Invalid status filter")
			return
		}
		query = query.Where("status = ?", status)
	}

	var appointments []models.Appointment
	if err := query.Find(&appointments).Error; err != nil {
		h.Logger.Error("list appointments", zap.Error(err))
		utils.InternalServerError(c, "Failed to fetch appointments")
		return
	}

	utils.Success(c, "Appointments fetched successfully", appointments)
}

// loadForParticipant loads an appointment visible to the caller. It writes
// the error response itself.
func (h *AppointmentHandler) loadForParticipant(c *gin.Context) (*models.Appointment, bool) {
	var appointment models.Appointment
	if err := h.DB.First(&appointment, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.NotFound(c, "Appointment not found")
		} else {
			h.Logger.Error("load appointment", zap.Error(err))
			utils.InternalServerError(c, "Database error")
		}
		return nil, false
	}

	userID, _ := middleware.GetUserIDFromContext(c)
	role, _ := middleware.GetUserRoleFromContext(c)
	if role != models.RoleAdmin && userID != appointment.PatientID && userID != appointment.DoctorID {
		utils.Forbidden(c, "You are not authorized to access this appointment")
		return nil, false
	}
	return &appointment, true
}

// GetAppointmentByID handles fetching a single appointment by its ID.
func (h *AppointmentHandler) GetAppointmentByID(c *gin.Context) {
	appointment, ok := h.loadForParticipant(c)
	if !ok {
		return
	}
	utils.Success(c, "Appointment fetched successfully", appointment)
}

// UpdateAppointmentStatusRequest represents the request body for updating an appointment's status.
type UpdateAppointmentStatusRequest struct {
	Status models.AppointmentStatus `json:"status" binding:"required,oneof=pending confirmed cancelled completed"`
	Notes  string                   `json:"notes"`
}

// UpdateAppointmentStatus handles updating the status of an appointment.
// Patients may only cancel pending or confirmed appointments.
func (h *AppointmentHandler) UpdateAppointmentStatus(c *gin.Context) {
	var req UpdateAppointmentStatusRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}

	appointment, ok := h.loadForParticipant(c)
	if !ok {
		return
	}

	role, _ := middleware.GetUserRoleFromContext(c)
	if role == models.RolePatient {
		if req.Status != models.StatusCancelled {
			utils.Forbidden(c, "Patients can only cancel appointments.")
			return
		}
		if appointment.Status != models.StatusPending && appointment.Status != models.StatusConfirmed {
			utils.Forbidden(c, "This appointment can no longer be cancelled.")
			return
		}
	}

	appointment.Status = req.Status
	if req.Notes != "" {
		appointment.Notes = req.Notes
	}
	if err := h.DB.Save(appointment).Error; err != nil {
		h.Logger.Error("update appointment status", zap.Error(err))
		utils.InternalServerError(c, "Failed to update appointment status")
		return
	}

	utils.Success(c, "Appointment status updated successfully", appointment)
}

// RescheduleAppointmentRequest represents the request body for rescheduling an appointment.
type RescheduleAppointmentRequest struct {
	NewAppointmentAt time.Time `json:"newAppointmentAt" binding:"required"`
	Notes            string    `json:"notes"`
}

// RescheduleAppointment moves an appointment, keeping its length.
func (h *AppointmentHandler) RescheduleAppointment(c *gin.Context) {
	var req RescheduleAppointmentRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	if req.NewAppointmentAt.Before(time.Now()) {
		utils.BadRequest(c, "New appointment date must be in the future.")
		return
	}

	appointment, ok := h.loadForParticipant(c)
	if !ok {
		return
	}
	if appointment.Status == models.StatusCancelled || appointment.Status == models.StatusCompleted {
		utils.Forbidden(c, "You are not authorized to reschedule this appointment.")
		return
	}

	length := appointment.EndTime.Sub(appointment.StartTime)
	if length <= 0 {
		length = defaultAppointmentLength
	}
	appointment.StartTime = req.NewAppointmentAt
	appointment.EndTime = req.NewAppointmentAt.Add(length)
	appointment.Status = models.StatusRescheduled
	if req.Notes != "" {
		appointment.Notes = req.Notes
	}

	if err := h.DB.Save(appointment).Error; err != nil {
		h.Logger.Error("reschedule appointment", zap.Error(err))
		utils.InternalServerError(c, "Failed to reschedule appointment")
		return
	}

	utils.Success(c, "Appointment rescheduled successfully", appointment)
}

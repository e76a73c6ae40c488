package handlers

import (
	"medlink-server/internal/models"
	"medlink-server/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UserHandler serves the directory lookups used around triage handoff.
type UserHandler struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(db *gorm.DB, logger *zap.Logger) *UserHandler {
	return &UserHandler{DB: db, Logger: logger}
}

// GetDoctors lists doctors a patient can be handed off to.
func (h *UserHandler) GetDoctors(c *gin.Context) {
	var doctors []models.User
	if err := h.DB.Where("role = ?", models.RoleDoctor).Order("last_name, first_name").Find(&doctors).Error; err != nil {
		h.Logger.Error("list doctors", zap.Error(err))
		utils.InternalServerError(c, "Failed to fetch doctors")
		return
	}
	utils.Success(c, "Doctors fetched successfully", sanitizeAll(doctors))
}

// PatientSummary is a patient with the state of their active triage session.
type PatientSummary struct {
	models.UserSanitized
	ActiveSessionID *string           `json:"activeSessionId,omitempty"`
	RiskLevel       *models.RiskLevel `json:"riskLevel,omitempty"`
}

// GetDoctorPatients lists patients for doctors and admins, annotated with
// their active triage session.
func (h *UserHandler) GetDoctorPatients(c *gin.Context) {
	var patients []models.User
	if err := h.DB.Where("role = ?", models.RolePatient).Order("last_name, first_name").Find(&patients).Error; err != nil {
		h.Logger.Error("list patients", zap.Error(err))
		utils.InternalServerError(c, "Failed to fetch patients")
		return
	}

	ids := make([]string, len(patients))
	for i, p := range patients {
		ids[i] = p.ID
	}
	var sessions []models.TriageSession
	if len(ids) > 0 {
		if err := h.DB.Select("id", "patient_id", "risk_level", "updated_at").
			Where("patient_id IN ? AND status = ?", ids, models.SessionActive).
			Order("updated_at ASC").
			Find(&sessions).Error; err != nil {
			h.Logger.Error("list active sessions for patients", zap.Error(err))
			utils.InternalServerError(c, "Failed to fetch patients")
			return
		}
	}
	// ascending order leaves the most recent session per patient in the map
	active := make(map[string]models.TriageSession, len(sessions))
	for _, s := range sessions {
		active[s.PatientID] = s
	}

	out := make([]PatientSummary, len(patients))
	for i, p := range patients {
		out[i] = PatientSummary{UserSanitized: p.Sanitize()}
		if s, ok := active[p.ID]; ok {
			id, risk := s.ID, s.RiskLevel
			out[i].ActiveSessionID = &id
			out[i].RiskLevel = &risk
		}
	}
	utils.Success(c, "Patients fetched successfully", out)
}

func sanitizeAll(users []models.User) []models.UserSanitized {
	out := make([]models.UserSanitized, len(users))
	for i, u := range users {
		out[i] = u.Sanitize()
	}
	return out
}

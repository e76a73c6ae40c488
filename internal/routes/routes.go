package routes

import (
	"net/http"

	"medlink-server/internal/config"
	"medlink-server/internal/handlers"
	"medlink-server/internal/middleware"
	"medlink-server/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependencies are the long-lived collaborators the routes are built from.
type Dependencies struct {
	DB     *gorm.DB
	Cfg    *config.Config
	Logger *zap.Logger
	Triage *handlers.TriageHandler
}

// SetupRoutes configures the application routes.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	db, cfg, logger := deps.DB, deps.Cfg, deps.Logger

	authHandler := handlers.NewAuthHandler(db, cfg, logger)
	userHandler := handlers.NewUserHandler(db, logger)
	appointmentHandler := handlers.NewAppointmentHandler(db, logger)
	medicalRecordHandler := handlers.NewMedicalRecordHandler(db, logger)
	triageHandler := deps.Triage
	messageHandler := handlers.NewMessageHandler(triageHandler.Service, logger)

	clinicians := middleware.RoleAuthMiddleware(models.RoleDoctor, models.RoleAdmin)

	// Public routes
	public := router.Group("/api/v1")
	{
		authRoutes := public.Group("/auth")
		{
			authRoutes.POST("/register", authHandler.Register)
			authRoutes.POST("/login", authHandler.Login)
			authRoutes.POST("/refresh-token", authHandler.RefreshToken)
		}
	}

	private := router.Group("/api/v1")
	private.Use(middleware.AuthMiddleware(cfg))
	{
		authRoutesPrivate := private.Group("/auth")
		{
			authRoutesPrivate.POST("/logout", authHandler.Logout)
			authRoutesPrivate.GET("/profile", authHandler.GetProfile)
			authRoutesPrivate.PUT("/profile", authHandler.UpdateProfile)
		}

		userRoutes := private.Group("/users")
		{
			userRoutes.GET("/doctors", userHandler.GetDoctors)
			userRoutes.GET("/doctor-patients", clinicians, userHandler.GetDoctorPatients)
		}

		appointmentRoutes := private.Group("/appointments")
		{
			appointmentRoutes.POST("", appointmentHandler.CreateAppointment)
			appointmentRoutes.GET("", appointmentHandler.GetAppointmentsForUser)
			appointmentRoutes.GET("/:id", appointmentHandler.GetAppointmentByID)
			appointmentRoutes.PATCH("/:id/status", appointmentHandler.UpdateAppointmentStatus)
			appointmentRoutes.PATCH("/:id/reschedule", appointmentHandler.RescheduleAppointment)
		}

		medicalRecordRoutes := private.Group("/medical-records")
		{
			medicalRecordRoutes.POST("", middleware.RoleAuthMiddleware(models.RoleDoctor), medicalRecordHandler.CreateMedicalRecord)
			medicalRecordRoutes.GET("/patient/:patientId", medicalRecordHandler.GetMedicalRecordsForPatient)
			medicalRecordRoutes.GET("/:id", medicalRecordHandler.GetMedicalRecordByID)
			medicalRecordRoutes.PUT("/:id", clinicians, medicalRecordHandler.UpdateMedicalRecord)
			medicalRecordRoutes.DELETE("/:id", clinicians, medicalRecordHandler.DeleteMedicalRecord)
		}

		triageRoutes := private.Group("/triage")
		{
			patients := middleware.RoleAuthMiddleware(models.RolePatient)
			triageRoutes.POST("/chat", patients, triageHandler.Chat)
			triageRoutes.GET("/feed", clinicians, triageHandler.Feed)

			sessions := triageRoutes.Group("/sessions")
			sessions.GET("", clinicians, triageHandler.ListSessions)
			sessions.GET("/current", patients, triageHandler.CurrentSession)
			// Ownership of a single session is checked in the service.
			sessions.GET("/:id", triageHandler.GetSession)
			sessions.POST("/:id/complete", triageHandler.CompleteSession)
			sessions.GET("/:id/messages", messageHandler.GetMessages)
			sessions.POST("/:id/messages", clinicians, messageHandler.SendMessage)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
}

package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"rewards-hub/internal/csvutil"
	"rewards-hub/internal/services"
)

// IngestHandler accepts CSV uploads and runs the ingestion pipeline
type IngestHandler struct {
	ingestService *services.IngestService
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(db *gorm.DB) *IngestHandler {
	return &IngestHandler{
		ingestService: services.NewIngestService(db),
	}
}

// ProcessCSV handles POST /api/process-csv. It expects two multipart files,
// userCsv and eventCsv. Row-level errors are data in the 200 payload; only an
// unreadable request (400) or a pipeline-level failure (500) is a protocol
// error.
func (h *IngestHandler) ProcessCSV(c *gin.Context) {
	userCSV, err := readUpload(c, "userCsv")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User CSV file (userCsv) is missing, invalid, or empty."})
		return
	}

	eventCSV, err := readUpload(c, "eventCsv")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event CSV file (eventCsv) is missing, invalid, or empty."})
		return
	}

	result, err := h.ingestService.ProcessUpload(c.Request.Context(), userCSV, eventCSV)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":            err.Error(),
			"users_processed":  result.UsersProcessed,
			"events_processed": result.EventsProcessed,
			"errors": append(result.Errors, csvutil.ProcessingError{
				Type:    csvutil.ErrorTypeDatabase,
				Message: fmt.Sprintf("Unhandled exception: %v", err),
			}),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":          "CSV files processed successfully",
		"run_id":           result.RunID,
		"users_processed":  result.UsersProcessed,
		"events_processed": result.EventsProcessed,
		"errors":           result.Errors,
	})
}

// readUpload reads one named multipart file, rejecting missing or empty ones.
func readUpload(c *gin.Context, field string) ([]byte, error) {
	fileHeader, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	if fileHeader.Size == 0 {
		return nil, fmt.Errorf("file %s is empty", field)
	}

	var f multipart.File
	f, err = fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("file %s is empty", field)
	}
	return data, nil
}

package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Brownie44l1/leafxai-api/internal/imaging"
	"github.com/Brownie44l1/leafxai-api/internal/knowledge"
	"github.com/Brownie44l1/leafxai-api/internal/model"
	"github.com/Brownie44l1/leafxai-api/internal/pipeline"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Classifier is the part of the pipeline the HTTP layer needs.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (*pipeline.Result, error)
	Classes() []string
}

type Knowledge interface {
	Formatted(label string) knowledge.Entry
}

type Handler struct {
	classifier Classifier
	knowledge  Knowledge
	logger     *zap.Logger
}

func NewHandler(classifier Classifier, kb Knowledge, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		classifier: classifier,
		knowledge:  kb,
		logger:     logger.Named("handlers"),
	}
}

// Register mounts every endpoint on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/", h.Root)
	e.GET("/health", h.Health)
	e.GET("/classes", h.Classes)
	e.POST("/predict", h.Predict)
}

type PredictionResponse struct {
	PredictedClass string          `json:"predicted_class"`
	Confidence     float32         `json:"confidence"`
	Top3           []model.Score   `json:"top3"`
	Knowledge      knowledge.Entry `json:"knowledge"`
	GradCAMImage   string          `json:"gradcam_image_base64"`
}

type HealthResponse struct {
	Status            string            `json:"status"`
	ModelLoaded       bool              `json:"model_loaded"`
	KnowledgeDBLoaded bool              `json:"knowledge_db_loaded"`
	Details           map[string]string `json:"details"`
}

type ClassesResponse struct {
	Classes    []string `json:"classes"`
	NumClasses int      `json:"num_classes"`
}

func (h *Handler) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "running",
		"message": "Tri-modal medicinal leaf classifier API",
		"endpoints": map[string]string{
			"predict": "/predict",
			"classes": "/classes",
			"health":  "/health",
		},
	})
}

func (h *Handler) Health(c echo.Context) error {
	resp := HealthResponse{
		ModelLoaded:       h.classifier != nil,
		KnowledgeDBLoaded: h.knowledge != nil,
		Details:           map[string]string{"model": "not_loaded", "knowledge_db": "not_loaded"},
	}
	if resp.ModelLoaded {
		resp.Details["model"] = "loaded"
	}
	if resp.KnowledgeDBLoaded {
		resp.Details["knowledge_db"] = "loaded"
	}

	if resp.ModelLoaded && resp.KnowledgeDBLoaded {
		resp.Status = "healthy"
		return c.JSON(http.StatusOK, resp)
	}
	resp.Status = "unhealthy"
	return c.JSON(http.StatusServiceUnavailable, resp)
}

func (h *Handler) Classes(c echo.Context) error {
	if h.classifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "model is not loaded")
	}
	classes := h.classifier.Classes()
	return c.JSON(http.StatusOK, ClassesResponse{Classes: classes, NumClasses: len(classes)})
}

// Predict classifies the image uploaded as multipart field "file" (or
// "image") and returns the top three classes, the knowledge entry for the
// winner and the Grad-CAM++ overlay.
func (h *Handler) Predict(c echo.Context) error {
	if h.classifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "model is not loaded")
	}

	header, err := uploadedFile(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest,
			"No image file provided. Use 'file' as the form field name").SetInternal(err)
	}
	if ct := header.Header.Get(echo.HeaderContentType); !acceptedContentType(ct) {
		return echo.NewHTTPError(http.StatusBadRequest, "File must be an image (JPG/PNG)")
	}

	file, err := header.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read upload").SetInternal(err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read upload").SetInternal(err)
	}

	h.logger.Debug("received file",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))

	result, err := h.classifier.Classify(c.Request().Context(), data)
	if err != nil {
		return classifyError(err)
	}

	resp := PredictionResponse{
		PredictedClass: result.Prediction.Class(),
		Confidence:     result.Prediction.Confidence(),
		Top3:           result.Top,
		GradCAMImage:   base64.StdEncoding.EncodeToString(result.Overlay),
	}
	if h.knowledge != nil {
		resp.Knowledge = h.knowledge.Formatted(resp.PredictedClass)
	}
	return c.JSON(http.StatusOK, resp)
}

func uploadedFile(c echo.Context) (*multipart.FileHeader, error) {
	header, err := c.FormFile("file")
	if err == nil {
		return header, nil
	}
	if alt, altErr := c.FormFile("image"); altErr == nil {
		return alt, nil
	}
	return nil, err
}

func acceptedContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return ct == "" || strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, echo.MIMEOctetStream)
}

// classifyError maps pipeline failures onto HTTP status codes.
func classifyError(err error) error {
	switch {
	case errors.Is(err, imaging.ErrInputDecode):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid image format").SetInternal(err)
	case errors.Is(err, pipeline.ErrBusy):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Server is busy, try again later").SetInternal(err)
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "Processing timed out").SetInternal(err)
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Request cancelled").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Error processing image").SetInternal(err)
	}
}

package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/faceid/internal/usecase"
)

// DefaultMaxUploadSize caps uploaded images at 10 MiB.
const DefaultMaxUploadSize = 10 << 20

// RequestIDHeader carries the identification request id back to the client.
const RequestIDHeader = "X-Request-ID"

// multipartOverhead is the slack allowed on top of the file for form framing.
const multipartOverhead = 64 << 10

// IdentificationService is the part of the use case the HTTP layer calls.
type IdentificationService interface {
	Identify(ctx context.Context, imageBytes []byte) (string, usecase.Result)
	GetResult(ctx context.Context, requestID string) (*usecase.StoredResult, error)
	GetDuplicateReport(ctx context.Context, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. protect guards
// the operator endpoints.
func RegisterRoutes(router *gin.Engine, svc IdentificationService, maxUpload int64, protect gin.HandlerFunc) {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/predict", func(c *gin.Context) {
		if c.Request.ContentLength > maxUpload+multipartOverhead {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+multipartOverhead)

		file, err := uploadedFile(c)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
			return
		}

		requestID, result := svc.Identify(c.Request.Context(), data)
		c.Header(RequestIDHeader, requestID)
		c.JSON(http.StatusOK, result)
	})

	operator := router.Group("/", protect)

	operator.GET("/results/:id", func(c *gin.Context) {
		result, err := svc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	operator.GET("/results/:id/duplicates", func(c *gin.Context) {
		report, err := svc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	})

	operator.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// uploadedFile accepts the image under "file" or, for older clients, "image".
func uploadedFile(c *gin.Context) (*multipart.FileHeader, error) {
	file, err := c.FormFile("file")
	if err == nil {
		return file, nil
	}
	if errors.Is(err, http.ErrMissingFile) {
		return c.FormFile("image")
	}
	return nil, err
}

func writeLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, usecase.ErrNoRepository):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is not configured"})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
	}
}

package handler

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kofera/contractsign/model"
	"github.com/kofera/contractsign/service"
)

// maxUploadBytes bounds document and image uploads read into memory.
const maxUploadBytes = 32 << 20

type ContractHandler struct {
	lifecycle *service.Lifecycle
	artifacts service.ArtifactStore
}

func NewContractHandler(lifecycle *service.Lifecycle, artifacts service.ArtifactStore) *ContractHandler {
	return &ContractHandler{
		lifecycle: lifecycle,
		artifacts: artifacts,
	}
}

// respondError maps workflow errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Upload handles the initial contract document upload
func (h *ContractHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	document, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}

	contract, err := h.lifecycle.CreateContract(c.Request.Context(), document, header.Filename)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       contract.ID,
		"filename": contract.Filename,
		"status":   contract.Status,
	})
}

// List returns all contracts, newest first
func (h *ContractHandler) List(c *gin.Context) {
	contracts, err := h.lifecycle.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	result := make([]gin.H, len(contracts))
	for i, contract := range contracts {
		url, _ := h.artifacts.URL(c.Request.Context(), contract.CurrentObject)
		result[i] = gin.H{
			"id":           contract.ID,
			"filename":     contract.Filename,
			"status":       contract.Status,
			"document_url": url,
			"created_at":   contract.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			"updated_at":   contract.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"contracts": result})
}

// Get returns a single contract with its fields
func (h *ContractHandler) Get(c *gin.Context) {
	id := c.Param("id")

	contract, fields, err := h.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	url, _ := h.artifacts.URL(c.Request.Context(), contract.CurrentObject)

	c.JSON(http.StatusOK, gin.H{
		"contract":     contract,
		"fields":       fields,
		"document_url": url,
	})
}

type fieldLayoutRequest struct {
	Fields []model.FieldSpec `json:"fields"`
}

// SaveFields replaces the contract's placeholder field layout
func (h *ContractHandler) SaveFields(c *gin.Context) {
	id := c.Param("id")

	var req fieldLayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := h.lifecycle.SaveLayout(c.Request.Context(), id, req.Fields); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Field layout saved"})
}

// CompanyInput handles the company's text values and seal images.
// Text values arrive as form fields named "text-{fieldID}", images as
// file parts named "image-{fieldID}".
func (h *ContractHandler) CompanyInput(c *gin.Context) {
	id := c.Param("id")

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form: " + err.Error()})
		return
	}

	texts := make(map[int64]string)
	for key, values := range form.Value {
		fieldID, ok := fieldIDFromKey(key, "text-")
		if !ok || len(values) == 0 {
			continue
		}
		texts[fieldID] = values[0]
	}

	images := make(map[int64]service.UploadedImage)
	for key, headers := range form.File {
		fieldID, ok := fieldIDFromKey(key, "image-")
		if !ok || len(headers) == 0 {
			continue
		}
		header := headers[0]
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image: " + err.Error()})
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image: " + err.Error()})
			return
		}
		images[fieldID] = service.UploadedImage{
			Data: data,
			MIME: header.Header.Get("Content-Type"),
		}
	}

	if err := h.lifecycle.SubmitCompanyInput(c.Request.Context(), id, texts, images); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Company input submitted"})
}

type signaturesRequest struct {
	StudentSignature string `json:"student_signature"`
	ParentSignature  string `json:"parent_signature"`
}

// Signatures handles the student and parent signature submission as
// base64-encoded PNG images
func (h *ContractHandler) Signatures(c *gin.Context) {
	id := c.Param("id")

	var req signaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	student, err := decodeSignature(req.StudentSignature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid student signature data"})
		return
	}
	parent, err := decodeSignature(req.ParentSignature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid parent signature data"})
		return
	}

	if err := h.lifecycle.SubmitSignatures(c.Request.Context(), id, student, parent); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Signatures submitted"})
}

type actionRequest struct {
	Action string `json:"action"`
}

// Action handles the reviewer's approve or reject decision
func (h *ContractHandler) Action(c *gin.Context) {
	id := c.Param("id")

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := h.lifecycle.Action(c.Request.Context(), id, req.Action); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Action applied", "action": req.Action})
}

// fieldIDFromKey extracts the field id from a form key like
// "text-42" or "image-42".
func fieldIDFromKey(key, prefix string) (int64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// decodeSignature decodes a base64 signature, tolerating a data URL
// prefix like "data:image/png;base64,".
func decodeSignature(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	if idx := strings.Index(encoded, ","); idx >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}
	return base64.StdEncoding.DecodeString(encoded)
}

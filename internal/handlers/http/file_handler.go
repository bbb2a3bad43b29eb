package http

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/pkg/errors"
	"beamdrop/pkg/utils"
	"beamdrop/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	uploadField = "files"
	// multipartOverhead allows for part headers on top of the file bodies.
	multipartOverhead = 1 << 20
)

type FileHandler struct {
	node ports.NodeService
	// maxUpload bounds a whole upload request body.
	maxUpload int64
}

func NewFileHandler(node ports.NodeService, maxFileSize int64) *FileHandler {
	return &FileHandler{
		node:      node,
		maxUpload: maxFileSize + multipartOverhead,
	}
}

func (h *FileHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/files")
	{
		api.GET("", h.ListFiles)
		api.POST("", h.Upload)
		api.GET("/:id", h.GetFile)
		api.GET("/:id/content", h.Download)
		api.DELETE("/:id", h.Discard)
	}
}

func (h *FileHandler) ListFiles(c *gin.Context) {
	files, err := h.node.Files(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if files == nil {
		files = []domain.TransferFile{}
	}

	c.JSON(http.StatusOK, gin.H{
		"files": files,
		"count": len(files),
	})
}

func (h *FileHandler) GetFile(c *gin.Context) {
	file, err := h.node.File(c.Request.Context(), domain.FileID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file})
}

// Upload enqueues every part of the "files" form field in request order.
func (h *FileHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.Error(errors.NewPayloadTooLargeError("upload exceeds maximum size"))
			return
		}
		c.Error(errors.NewInvalidInputError("expected a multipart form"))
		return
	}
	defer form.RemoveAll()

	headers := form.File[uploadField]
	if len(headers) == 0 {
		c.Error(errors.NewInvalidInputError("no files in form field \"" + uploadField + "\""))
		return
	}

	local := make([]domain.LocalFile, 0, len(headers))
	for _, header := range headers {
		f, err := readPart(header)
		if err != nil {
			c.Error(err)
			return
		}
		local = append(local, f)
	}

	added, err := h.node.Enqueue(c.Request.Context(), local)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"files": added,
		"count": len(added),
	})
}

func readPart(header *multipart.FileHeader) (domain.LocalFile, error) {
	name := utils.SanitizeFileName(header.Filename)
	if err := validation.ValidateFileName(name); err != nil {
		return domain.LocalFile{}, errors.NewInvalidInputError(err.Error())
	}

	part, err := header.Open()
	if err != nil {
		return domain.LocalFile{}, errors.Wrap(err, errors.ErrCodeInvalidInput, "unreadable upload")
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		return domain.LocalFile{}, errors.Wrap(err, errors.ErrCodeInvalidInput, "unreadable upload")
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return domain.LocalFile{Name: name, MimeType: mimeType, Data: data}, nil
}

// Download streams the payload of a file that still holds one.
func (h *FileHandler) Download(c *gin.Context) {
	ctx := c.Request.Context()
	id := domain.FileID(c.Param("id"))

	file, err := h.node.File(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}
	rc, err := h.node.OpenFile(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPayloadReleased) {
			c.Error(errors.Wrap(err, errors.ErrCodeGone, "file content is no longer available"))
			return
		}
		c.Error(err)
		return
	}
	defer rc.Close()

	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, file.Size, contentType, rc, map[string]string{
		"Content-Disposition":    mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}),
		"X-Content-Type-Options": "nosniff",
		"X-Beamdrop-Media-Kind":  string(file.MediaKind),
	})
}

func (h *FileHandler) Discard(c *gin.Context) {
	if err := h.node.Discard(c.Request.Context(), domain.FileID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

var _ ports.FileHTTPHandler = (*FileHandler)(nil)

package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/middleware"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/protocol"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// Upload accepts one multipart file for a room, stores it on local disk
// under {upload_dir}/{room_id}/, and announces it to the live room. The body
// is capped at MAX_FILE_SIZE before the multipart parse ever runs, so an
// oversized upload costs one buffer, not a full spool to disk.
// POST /rooms/{roomId}/upload
func (h *Handler) Upload(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
		return
	}

	roomID := c.Param("roomId")
	if !safePathSegment(roomID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room id"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxFileSize)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file field"})
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
		return
	}

	dir := filepath.Join(h.cfg.UploadDirectory, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Error(c.Request.Context(), "failed to create upload directory",
			zap.String("dir", dir), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	dst, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		logging.Error(c.Request.Context(), "failed to create upload file",
			zap.String("filename", filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		os.Remove(dst.Name())
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		logging.Error(c.Request.Context(), "failed to write upload file",
			zap.String("filename", filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file"})
		return
	}

	info := protocol.FileInfo{
		Filename: filename,
		Size:     size,
		URL:      "/uploads/" + roomID + "/" + filename,
	}

	// Everyone in the room hears about the file, the uploader included, so
	// all clients render the same attachment entry.
	username, _ := h.registry.Username(types.RoomIdType(roomID), types.UserIdType(claims.Subject))
	h.registry.Broadcast(c.Request.Context(), types.RoomIdType(roomID),
		protocol.NewFileShared(claims.Subject, string(username), info), "")

	logging.Info(c.Request.Context(), "file stored",
		zap.String("room_id", roomID),
		zap.String("filename", filename),
		zap.Int64("size", size))

	c.JSON(http.StatusCreated, info)
}

// sanitizeFilename reduces a client-supplied filename to a bare name. Both
// separator styles are stripped, since the client OS is unknown.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// safePathSegment reports whether s can be used as a single directory name
// under the upload root.
func safePathSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

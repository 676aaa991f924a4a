package control

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/john/printlink/files"
)

func (s *Server) listFiles(c *gin.Context) {
	if s.files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gcode directory configured"})
		return
	}
	list, err := s.files.ListFiles()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": list, "disk_usage": s.files.DiskUsage()})
}

func (s *Server) fileMetadata(c *gin.Context) {
	if s.files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gcode directory configured"})
		return
	}
	meta, err := s.files.GetMetadata(c.Query("name"))
	if err != nil {
		if !errors.Is(err, files.ErrInvalidPath) {
			err = errors.Join(errFileNotFound, err)
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) saveFile(c *gin.Context) {
	if s.files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gcode directory configured"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a multipart file part is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer f.Close()
	name := c.PostForm("path")
	if name == "" {
		name = fh.Filename
	}
	saved, err := s.files.SaveFile(name, f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) deleteFile(c *gin.Context) {
	if s.files == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gcode directory configured"})
		return
	}
	if err := s.files.DeleteFile(c.Query("name")); err != nil {
		if !errors.Is(err, files.ErrInvalidPath) {
			err = errors.Join(errFileNotFound, err)
		}
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

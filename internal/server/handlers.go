package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/grant"
	"github.com/scriptgate/scriptgate/internal/script"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "scriptgate",
	})
}

func (s *Server) listScripts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scripts": s.scripts.List()})
}

// registerScript accepts a YAML manifest body.
func (s *Server) registerScript(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	manifest, err := script.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.scripts.Register(manifest)
	s.logger.Info("script registered",
		zap.String("script_id", manifest.ID),
		zap.String("name", manifest.Name),
	)
	c.JSON(http.StatusCreated, gin.H{"id": manifest.ID})
}

// removeScript drops the manifest and every cached or persisted decision
// attached to it.
func (s *Server) removeScript(c *gin.Context) {
	scriptID := c.Param("id")
	s.scripts.Remove(scriptID)
	s.gate.ClearCache(scriptID)
	c.JSON(http.StatusOK, gin.H{"id": scriptID})
}

type permissionRequest struct {
	ScriptID  string `json:"script_id" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Scope     string `json:"scope"`
	Allow     bool   `json:"allow"`
	Permanent bool   `json:"permanent"`
}

// addPermission installs a decision directly, the re-authorization path
// used by management tooling.
func (s *Server) addPermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Scope == "" {
		req.Scope = grant.WildcardScope
	}
	s.gate.AddPermission(&grant.Decision{
		ScriptID:  req.ScriptID,
		Kind:      req.Kind,
		Scope:     req.Scope,
		Allow:     req.Allow,
		Permanent: req.Permanent,
		CreatedAt: time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) resetPermission(c *gin.Context) {
	scriptID := c.Query("script_id")
	kind := c.Query("kind")
	scope := c.Query("scope")
	if scriptID == "" || kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script_id and kind are required"})
		return
	}
	if scope == "" {
		scope = grant.WildcardScope
	}
	s.gate.ResetPermission(scriptID, kind, scope)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

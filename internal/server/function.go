package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	functiondomain "github.com/openmetron/metron/internal/function/domain"
)

func (s *Server) DeployFunction(c *gin.Context) {
	var req functiondomain.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.AccountID = accountID(c)

	resp, err := s.functionSvc.Deploy(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.descriptors.Invalidate(resp.Name)

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) ListFunctions(c *gin.Context) {
	resp, err := s.functionSvc.List(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"functions": resp})
}

func (s *Server) GetFunction(c *gin.Context) {
	resp, err := s.functionSvc.Get(c.Request.Context(), accountID(c), c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) DeleteFunction(c *gin.Context) {
	if err := s.functionSvc.Delete(c.Request.Context(), accountID(c), c.Param("name")); err != nil {
		AbortWithError(c, err)
		return
	}
	s.descriptors.Invalidate(c.Param("name"))

	c.JSON(http.StatusAccepted, gin.H{"status": "deleting"})
}

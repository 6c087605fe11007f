// Package rest provides the Gin-based status and control API.
package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/node"
)

// Server is the REST API server wrapped around one participant.
type Server struct {
	engine      *gin.Engine
	participant *node.Participant
	logger      *zap.Logger
}

// New creates a REST Server.
func New(p *node.Participant, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:      engine,
		participant: p,
		logger:      logger,
	}
	s.registerRoutes()
	return s
}

// Start starts the REST server on addr.
func (s *Server) Start(addr string) error {
	s.logger.Info("REST API listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

// registerRoutes sets up the /classnet context path.
func (s *Server) registerRoutes() {
	classnet := s.engine.Group("/classnet")

	// Status endpoints
	classnet.GET("/health", s.health)
	classnet.GET("/peers", s.peers)
	classnet.GET("/routes", s.routes)
	classnet.GET("/phase", s.phase)

	// Messaging endpoints
	messageGroup := classnet.Group("/messages")
	{
		messageGroup.GET("", s.messages)
		messageGroup.POST("/broadcast", s.broadcast)
		messageGroup.POST("/private", s.private)
	}

	// Election endpoints
	electionGroup := classnet.Group("/election")
	{
		electionGroup.POST("/phase", s.setPhase)
		electionGroup.POST("/enroll", s.enroll)
		electionGroup.POST("/vote", s.vote)
	}
}

// --- Status handlers ---

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.participant.Health())
}

func (s *Server) peers(c *gin.Context) {
	c.JSON(http.StatusOK, s.participant.Peers())
}

func (s *Server) routes(c *gin.Context) {
	c.JSON(http.StatusOK, s.participant.Routes())
}

func (s *Server) phase(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"phase": s.participant.Phase().String()})
}

// --- Messaging handlers ---

func (s *Server) messages(c *gin.Context) {
	c.JSON(http.StatusOK, s.participant.Messages())
}

func (s *Server) broadcast(c *gin.Context) {
	var body struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID, err := s.participant.SendBroadcast(body.Text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msgId": msgID})
}

func (s *Server) private(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
		Port int    `json:"port" binding:"required"`
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target := exchange.ParticipantID{Name: body.Name, Port: body.Port}
	msgID, err := s.participant.SendPrivate(target, body.Text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msgId": msgID})
}

// --- Election handlers ---

func (s *Server) setPhase(c *gin.Context) {
	var body struct {
		Phase string `json:"phase" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch node.ParsePhase(body.Phase) {
	case node.PhaseEnrollment:
		err = s.participant.StartEnrollment()
	case node.PhaseVoting:
		err = s.participant.StartVoting()
	case node.PhaseEnded:
		err = s.participant.EndElection()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown phase: " + body.Phase})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": body.Phase})
}

func (s *Server) enroll(c *gin.Context) {
	msgID, err := s.participant.Enroll()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msgId": msgID})
}

func (s *Server) vote(c *gin.Context) {
	var body struct {
		Ballot string `json:"ballot" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID, err := s.participant.CastVote([]byte(body.Ballot))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msgId": msgID})
}

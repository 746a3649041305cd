// Package web 提供仪表盘 HTTP API
package web

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/storage"
)

const tokenTTL = 12 * time.Hour

// Controls 仪表盘可触发的控制动作
type Controls struct {
	Pause     func() error
	Resume    func() error
	ForceScan func()
}

// Server 仪表盘服务
type Server struct {
	cfg       *config.Config
	store     *storage.Store
	overrides *config.OverrideStore
	controls  Controls
	logger    *logrus.Logger

	httpSrv *http.Server
}

// NewServer 创建仪表盘服务
func NewServer(cfg *config.Config, store *storage.Store, overrides *config.OverrideStore, controls Controls) *Server {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &Server{
		cfg:       cfg,
		store:     store,
		overrides: overrides,
		controls:  controls,
		logger:    logger,
	}
}

// Router 组装路由（独立出来便于测试）
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST("/api/login", s.handleLogin)

	api := r.Group("/api", s.requireAuth())
	api.GET("/status", s.handleStatus)
	api.GET("/history", s.handleHistory)
	api.POST("/controls", s.handleControls)
	api.GET("/config", s.handleGetConfig)
	api.PUT("/config", s.handlePutConfig)

	return r
}

// Start 启动 HTTP 服务（非阻塞）
func (s *Server) Start() {
	s.httpSrv = &http.Server{Addr: s.cfg.DashboardAddr, Handler: s.Router()}
	go func() {
		s.logger.Infof("仪表盘监听 %s", s.cfg.DashboardAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("仪表盘退出: %v", err)
		}
	}()
}

// Stop 关闭 HTTP 服务
func (s *Server) Stop() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// requestLogger logrus 请求日志中间件
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"took":   time.Since(start).Round(time.Millisecond).String(),
		}).Info("request")
	}
}

// ==================== 认证 ====================

type loginRequest struct {
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少密码或动态验证码"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.DashboardPassHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "密码错误"})
		return
	}
	if !totp.Validate(req.TOTPCode, s.cfg.DashboardTOTPKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "动态验证码错误"})
		return
	}

	claims := jwt.MapClaims{
		"sub": "dashboard",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "签发令牌失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(tokenTTL.Seconds())})
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少令牌"})
			return
		}

		token, err := jwt.Parse(auth[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "令牌无效"})
			return
		}
		c.Next()
	}
}

// ==================== 业务接口 ====================

// handleStatus 读取监控循环原子写出的状态快照文件
func (s *Server) handleStatus(c *gin.Context) {
	data, err := os.ReadFile(s.cfg.StateFile)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "状态快照尚未生成"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleHistory(c *gin.Context) {
	trades, err := s.store.RecentTrades(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

type controlRequest struct {
	Action string `json:"action" binding:"required"`
}

func (s *Server) handleControls(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 action"})
		return
	}

	var err error
	switch req.Action {
	case "pause":
		if s.controls.Pause != nil {
			err = s.controls.Pause()
		}
	case "resume":
		if s.controls.Resume != nil {
			err = s.controls.Resume()
		}
	case "forcescan":
		if s.controls.ForceScan != nil {
			s.controls.ForceScan()
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知 action: " + req.Action})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.overrides.Reload())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var o config.Overrides
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.overrides.Save(o); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.overrides.Reload())
}

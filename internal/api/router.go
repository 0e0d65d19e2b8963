package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/stage-motors/internal/hardware"
	"github.com/wfunc/stage-motors/internal/middleware"
	"go.uber.org/zap"
)

// Motors 控制API依赖的电机操作
type Motors interface {
	Initialize()
	Initialized() bool
	DevicesFound() bool
	Status() hardware.HubStatus
	Position(n int) (float64, error)
	MoveAbsolute(n int, pos float64) (float64, error)
	MoveRelative(n int, delta float64) (float64, error)
	Reset(n int) (float64, error)
	StopAll() error
}

// Router API路由器
type Router struct {
	engine *gin.Engine
	motors *MotorHandler
	log    *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(motors Motors, log *zap.Logger) *Router {
	engine := gin.New()

	// 全局中间件
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger(log))
	engine.Use(middleware.Recovery(log))

	router := &Router{
		engine: engine,
		motors: NewMotorHandler(motors, log),
		log:    log,
	}
	router.setupRoutes()

	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.motors.Health)

	v1 := r.engine.Group("/api/v1")
	{
		motors := v1.Group("/motors")
		{
			motors.GET("", r.motors.Status)
			motors.POST("/initialize", r.motors.Initialize)
			motors.POST("/stop", r.motors.StopAll)
			motors.GET("/:axis/position", r.motors.Position)
			motors.POST("/:axis/move", r.motors.Move)
			motors.POST("/:axis/reset", r.motors.Reset)
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "接口不存在",
		})
	})
}

// Handler 返回http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

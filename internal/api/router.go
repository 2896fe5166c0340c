package api

import (
	"github.com/datallboy/newsflow/internal/api/controllers"
	"github.com/datallboy/newsflow/internal/app"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	tasks := &controllers.TaskController{App: app}
	events := &controllers.EventController{App: app, Tasks: tasks}

	g := e.Group("/api")
	g.GET("/tasks", tasks.List)
	g.POST("/tasks", tasks.Create)
	g.GET("/tasks/:key", tasks.Get)
	g.GET("/tasks/:key/nzb", tasks.NZB)
	g.POST("/tasks/:key/pause", tasks.Pause)
	g.POST("/tasks/:key/resume", tasks.Resume)
	g.DELETE("/tasks/:key", tasks.Delete)
	g.GET("/stats", tasks.Stats)
	g.GET("/events", events.Stream)
}

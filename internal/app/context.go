package app

import (
	"io"

	"github.com/datallboy/newsflow/internal/engine"
	"github.com/datallboy/newsflow/internal/infra/config"
	"github.com/datallboy/newsflow/internal/infra/logger"
)

// Queue is the task surface the API works against.
type Queue interface {
	Add(d engine.Download) (engine.TaskInfo, error)
	GetItem(key string) (engine.TaskInfo, bool)
	GetAllItems() []engine.TaskInfo
	Pause(key string) error
	Resume(key string) error
	Cancel(key string) error
	Subscribe() (<-chan engine.Event, func())
	BytesReceived() uint64
}

// BlobStore keeps the NZB files tasks were created from.
type BlobStore interface {
	CreateNZBWriter(key string) (io.WriteCloser, error)
	GetNZBReader(key string) (io.ReadCloser, error)
	Exists(key string) bool
}

// Context holds the environment and shared resources of newsflow. It is
// built once in main and handed to the commands and the API.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Queue Queue
	Store BlobStore
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{Config: cfg, Logger: log}
}

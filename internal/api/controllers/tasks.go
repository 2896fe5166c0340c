package controllers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/datallboy/newsflow/internal/app"
	"github.com/datallboy/newsflow/internal/engine"
	"github.com/datallboy/newsflow/internal/nzb"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v5"
)

// maxUpload bounds the size of an uploaded NZB.
const maxUpload = 64 << 20

type TaskController struct {
	App *app.Context
}

func (ctrl *TaskController) List(c *echo.Context) error {
	items := ctrl.App.Queue.GetAllItems()
	out := make([]TaskResponse, 0, len(items))
	for _, info := range items {
		out = append(out, newTaskResponse(info))
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *TaskController) Get(c *echo.Context) error {
	info, ok := ctrl.App.Queue.GetItem(c.Param("key"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown task"})
	}
	return c.JSON(http.StatusOK, newTaskResponse(info))
}

// Create queues the NZB in the request body. The body is either the raw
// document or a multipart form with a "file" field. The query may carry
// account, path and name.
func (ctrl *TaskController) Create(c *echo.Context) error {
	data, err := readNZB(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	model, err := nzb.Parse(bytes.NewReader(data))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	account := 0
	if len(ctrl.App.Config.Servers) > 0 {
		account = ctrl.App.Config.Servers[0].ID
	}
	if v := c.QueryParam("account"); v != "" {
		if account, err = strconv.Atoi(v); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "account must be a number"})
		}
	}

	info, err := ctrl.App.Queue.Add(model.Download(account, c.QueryParam("path"), c.QueryParam("name")))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrUnknownAccount) || errors.Is(err, engine.ErrNoArticles) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, ErrorResponse{Error: err.Error()})
	}

	if ctrl.App.Store != nil {
		if err := ctrl.saveBlob(info.Key, data); err != nil {
			ctrl.App.Logger.Warn("could not keep nzb of %s: %v", info.Key, err)
		}
	}
	ctrl.App.Logger.Info("queued %s (%s, %s)", info.Desc, info.Key, humanize.IBytes(uint64(info.Size)))
	return c.JSON(http.StatusCreated, newTaskResponse(info))
}

func readNZB(c *echo.Context) ([]byte, error) {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing file: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxUpload))
	}
	return io.ReadAll(io.LimitReader(req.Body, maxUpload))
}

func (ctrl *TaskController) saveBlob(key string, data []byte) error {
	w, err := ctrl.App.Store.CreateNZBWriter(key)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// NZB serves the document a task was created from.
func (ctrl *TaskController) NZB(c *echo.Context) error {
	key := c.Param("key")
	if ctrl.App.Store == nil || !ctrl.App.Store.Exists(key) {
		return c.NoContent(http.StatusNotFound)
	}
	r, err := ctrl.App.Store.GetNZBReader(key)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s.nzb", key))
	return c.Blob(http.StatusOK, "application/x-nzb", data)
}

func (ctrl *TaskController) Pause(c *echo.Context) error {
	return ctrl.apply(c, ctrl.App.Queue.Pause)
}

func (ctrl *TaskController) Resume(c *echo.Context) error {
	return ctrl.apply(c, ctrl.App.Queue.Resume)
}

func (ctrl *TaskController) Delete(c *echo.Context) error {
	key := c.Param("key")
	if err := ctrl.App.Queue.Cancel(key); err != nil {
		return ctrl.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *TaskController) apply(c *echo.Context, fn func(key string) error) error {
	key := c.Param("key")
	if err := fn(key); err != nil {
		return ctrl.fail(c, err)
	}
	info, _ := ctrl.App.Queue.GetItem(key)
	return c.JSON(http.StatusOK, newTaskResponse(info))
}

func (ctrl *TaskController) fail(c *echo.Context, err error) error {
	if errors.Is(err, engine.ErrUnknownTask) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

func (ctrl *TaskController) Stats(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.stats())
}

func (ctrl *TaskController) stats() StatsResponse {
	items := ctrl.App.Queue.GetAllItems()
	received := ctrl.App.Queue.BytesReceived()
	s := StatsResponse{BytesReceived: received, Received: humanize.IBytes(received), Tasks: len(items)}
	for _, info := range items {
		if info.State == engine.StateActive || info.State == engine.StateWaiting {
			s.Active++
		}
	}
	return s
}

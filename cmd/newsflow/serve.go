package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/datallboy/newsflow/internal/api"
	"github.com/datallboy/newsflow/internal/engine"
	"github.com/datallboy/newsflow/internal/store"
	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download queue behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := c.app.Config
			log := c.app.Logger
			if port != "" {
				cfg.Port = port
			}

			dbPath := cfg.Store.SQLitePath
			st, err := store.NewPersistentStore(dbPath, filepath.Join(filepath.Dir(dbPath), "nzb"))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			mgr, err := engine.NewQueueManager(engine.Options{Config: cfg, Log: log}, st)
			if err != nil {
				return err
			}
			if err := mgr.Start(ctx, true); err != nil {
				mgr.Stop()
				return err
			}
			c.app.Queue = mgr
			c.app.Store = st

			e := echo.New()
			api.RegisterRoutes(e, c.app)
			srv := &http.Server{Addr: ":" + cfg.Port, Handler: e}

			errCh := make(chan error, 1)
			go func() {
				log.Info("Listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				log.Info("Shutting down")
			case err = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Warn("http shutdown: %v", serr)
			}
			mgr.Stop()
			return err
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (default: the configured port)")
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/sphere/internal/server"
)

var directorStart []string

var directorCmd = &cobra.Command{
	Use:   "director",
	Short: "Supervise the modules installed on this node",
	Long: `Run the module director. It discovers modules in the configured module paths,
starts and stops them on request over the bus, restarts modules that die and
reports their resource usage.

Examples:
  sphere director
  sphere director --start driver-hue --start app-weather
  SPHERE_DIRECTOR_HTTP_ADDR=:8080 sphere director`,
	RunE: runDirector,
}

func runDirector(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp(cmd, "director")
	if err != nil {
		return err
	}
	a.ModuleArgs = forwardedArgs(cmd)
	log := a.Log

	sup, err := a.Supervisor()
	if err != nil {
		a.Shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Director.ShutdownTimeout)
		defer cancel()
		serr := sup.Shutdown(shutdownCtx)
		a.Shutdown()
		return serr
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Uncaught exception", "panic", r)
			_ = shutdown()
			err = fmt.Errorf("director panicked: %v", r)
		}
	}()

	if err := sup.Start(ctx); err != nil {
		_ = shutdown()
		return err
	}
	for _, name := range directorStart {
		if err := sup.StartModule(name); err != nil {
			log.Error("Failed to start module", "module", name, "error", err)
		}
	}

	if addr := a.Config.Director.HTTPAddr; addr != "" {
		srv := server.New(sup, a.Registry(), log)
		go func() {
			if err := srv.Start(ctx, addr); err != nil {
				log.Error("Admin HTTP server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down")
	if err := shutdown(); err != nil {
		log.Error("Forced shutdown", "error", err)
		return err
	}
	log.Info("Goodbye!")
	return nil
}

func init() {
	rootCmd.AddCommand(directorCmd)
	directorCmd.Flags().StringSliceVar(&directorStart, "start", nil, "Modules to start once the director is up")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/comigor/lmchat/internal/config"
	"github.com/comigor/lmchat/internal/conversation"
	"github.com/comigor/lmchat/internal/history"
	"github.com/comigor/lmchat/internal/llm"
	"github.com/comigor/lmchat/internal/logger"
	"github.com/comigor/lmchat/internal/models"
	"github.com/comigor/lmchat/internal/server"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "lmchat",
	Short:         "Web chat backend for a local LM Studio server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger.SetLevel(cfg.Log.Level)
		return run(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("host", "", "listen host")
	flags.String("port", "", "listen port")
	flags.String("static-dir", "", "directory with the web client to serve at /")
	flags.String("upstream", "", "LM Studio base URL")
	flags.String("storage-driver", "", "conversation storage: file or sqlite")
	flags.String("data-dir", "", "directory holding conversation files")
	flags.String("models-dir", "", "LM Studio models directory")
	flags.String("log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(versionCmd)
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := history.Open(cfg.Storage.Driver, cfg.Storage.Dir, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	upstream, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}

	httpClient := &http.Client{}
	client := llm.NewClient(cfg.Upstream, httpClient)
	relay := llm.NewRelay(client, httpClient, cfg.Upstream.BaseURL, cfg.Upstream.APIKey)

	srv := server.New(server.Options{
		Store:     store,
		Sender:    conversation.New(store, relay),
		Models:    models.NewDirectory(cfg.Upstream.BaseURL, httpClient, client),
		Artifacts: models.NewScanner(afero.NewOsFs(), cfg.Models.Dir),
		Upstream:  upstream,
		StaticDir: cfg.Server.StaticDir,
	})

	logger.L.Info("configuration loaded",
		"upstream", cfg.Upstream.BaseURL,
		"storage", cfg.Storage.Driver,
		"models_dir", cfg.Models.Dir,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.L.Warn("failed to read .env", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.L.Error("lmchat failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xiaopang/npcforge/internal/api"
	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/core"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/metrics"
	"github.com/xiaopang/npcforge/internal/openai"
	"github.com/xiaopang/npcforge/internal/usage"
)

var serveFlags struct {
	listen      string
	noWatch     bool
	memoryUsage bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with the specified configuration.

Examples:
  # Start with default config
  npcforge serve

  # Override listen address
  npcforge serve --listen 127.0.0.1:8080

  # Keep usage counters in memory only
  npcforge serve --memory-usage`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	for _, fs := range []*cobra.Command{rootCmd, serveCmd} {
		fs.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "覆盖监听地址 host:port")
		fs.Flags().BoolVar(&serveFlags.noWatch, "no-watch", false, "不监听配置文件变化")
		fs.Flags().BoolVar(&serveFlags.memoryUsage, "memory-usage", false, "用量只保存在内存中，重启后清零")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Info("config loaded", "path", cfgFile)

	// 初始化存储
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database initialized", "path", cfg.Database.Path)

	var usageStorage usage.Storage = db
	if serveFlags.memoryUsage {
		usageStorage = usage.NewMemoryStorage()
		logger.Warn("usage counters kept in memory, they reset on restart")
	}
	tracker := usage.NewTracker(usageStorage, usage.WithKeyPrefix(cfg.Usage.KeyPrefix))

	m := metrics.New()
	ai := openai.New(&cfg.OpenAI, openai.WithObserver(m.ObserveUpstream))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 准入过滤器
	filter := core.NewAdmissionFilter(cfg.AdmissionWindow(), cfg.Admission.MaxRequests, cfg.AdmissionSweepInterval())
	filter.Start(ctx)
	defer filter.Stop()

	// 上游健康检查
	health := core.NewHealthChecker(ai, nil, &cfg.HealthCheck)
	health.Start()
	defer health.Stop()
	if cfg.HealthCheck.Enabled {
		logger.Info("health checker started", "interval_s", cfg.HealthCheck.Interval)
	}

	// 请求日志定期清理
	retention := core.NewRetentionScheduler(db, cfg.Logging.CleanupSchedule, cfg.Logging.RetentionDays)
	if err := retention.Start(); err != nil {
		return err
	}
	defer retention.Stop()
	if next := retention.NextRun(); !next.IsZero() {
		logger.Info("next log cleanup", "at", next.Format(time.RFC3339))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewHandler(cfg, db, tracker, ai, m)
	admin := api.NewAdminHandler(handler, health, filter, db)
	r := api.SetupRouter(cfg, handler, admin, filter, m)

	// 配置热加载：限额、日志级别、健康检查
	if !serveFlags.noWatch {
		watcher := config.NewWatcher(cfgFile, func(next *config.Config) {
			filter.SetLimits(next.AdmissionWindow(), next.Admission.MaxRequests)
			logger.SetLevel(logger.ParseLevel(next.Logging.Level))
			handler.UpdateConfig(next)
			health.UpdateConfig(&next.HealthCheck)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if serveFlags.listen != "" {
		addr = serveFlags.listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("NPCForge starting", "addr", addr, "text_model", cfg.OpenAI.TextModel,
			"monthly_limit", cfg.Usage.MonthlyLimit)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒完成；图片生成可能更久，超时即放弃
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

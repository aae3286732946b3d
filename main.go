package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bbsync/internal/config"
	"bbsync/internal/database"
	"bbsync/internal/fs/local"
	"bbsync/internal/lms"
	"bbsync/internal/location"
	"bbsync/internal/metrics"
	"bbsync/internal/notify"
	"bbsync/internal/scheduler"
	syncer "bbsync/internal/sync"
	"bbsync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		exitWith(err)
	}
}

// app 各组件的装配结果
type app struct {
	configPath string
	cfg        *config.Config

	logCloser io.Closer
	db        *database.DB
	client    *lms.Client
	catalog   *lms.Catalog
	engine    *syncer.Engine
	handler   *location.Handler
}

// newApp 加载配置、初始化日志和索引；withRemote 时再初始化 LMS 客户端和引擎
func newApp(configPath string, withRemote bool) (*app, error) {
	// 1. 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{configPath: configPath, cfg: cfg}

	// 2. 初始化日志系统
	a.logCloser, err = logger.Setup(logger.Options{
		Level:  cfg.System.LogLevel,
		File:   cfg.System.LogFile,
		Format: cfg.System.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("日志初始化失败: %w", err)
	}

	// 3. 初始化数据库
	if err := os.MkdirAll(filepath.Dir(cfg.System.DBPath), 0755); err != nil {
		a.Close()
		return nil, fmt.Errorf("无法创建数据目录: %w", err)
	}
	a.db, err = database.NewBoltDB(cfg.System.DBPath)
	if err != nil {
		slog.Error("无法打开数据库", "err", err, "path", cfg.System.DBPath)
		a.Close()
		return nil, err
	}
	a.handler = location.NewHandler(a.db)

	if !withRemote {
		return a, nil
	}

	// 4. LMS 客户端
	a.client, err = lms.NewClient(&lms.Options{
		BaseURL:       cfg.LMS.BaseURL,
		SessionCookie: cfg.LMS.SessionCookie,
		UserAgent:     cfg.LMS.UserAgent,
		Timeout:       cfg.LMS.RequestTimeoutDuration,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.LMS.SessionCookie == "" {
		slog.Warn("没有会话凭证，请先登录", "env", config.SessionEnv)
	}
	a.catalog = lms.NewCatalog(a.client, lms.DefaultConcurrency)

	// 5. 下载目录与索引记录对齐
	if _, err := a.handler.Reconcile(cfg.Sync.DownloadRoot, cfg.Sync.Policy); err != nil {
		a.Close()
		return nil, err
	}
	mirror, err := newMirror(cfg.Sync.DownloadRoot)
	if err != nil {
		a.Close()
		return nil, err
	}

	// 6. 同步引擎
	a.engine = syncer.NewEngine(&syncer.EngineOptions{
		Catalog:     a.catalog,
		Fetcher:     a.catalog,
		StateDB:     a.db,
		MirrorFS:    mirror,
		Filter:      syncer.Filter{Since: cfg.Sync.StartDate},
		GroupByYear: cfg.Sync.GroupByYear,
		MaxWorkers:  cfg.Sync.MaxConcurrent,
	})
	return a, nil
}

func newMirror(root string) (*local.Adapter, error) {
	mirror := local.NewAdapter(nil, root)
	if err := mirror.EnsureDir(mirror.Root()); err != nil {
		return nil, fmt.Errorf("无法创建下载目录: %w", err)
	}
	return mirror, nil
}

// Close 释放资源
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// runDaemon 后台常驻：调度器 + 配置监听 + 指标服务
func (a *app) runDaemon(parent context.Context) error {
	cfg := a.cfg
	slog.Info("bbsync 启动中",
		"version", version,
		"download_root", cfg.Sync.DownloadRoot,
		"interval", cfg.Sync.Interval,
		"course_start_date", cfg.Sync.CourseStartDate,
	)

	// 1. 设置优雅退出
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lastSync, err := a.db.LastSync()
	if err != nil {
		slog.Warn("读取上次同步时间失败", "err", err)
	}

	// 2. 调度器
	sched := scheduler.New(&scheduler.Options{
		Runner:       a.engine,
		Interval:     cfg.Sync.IntervalDuration,
		CycleTimeout: cfg.Sync.CycleTimeoutDuration,
		Notifier:     notify.Multi{notify.Log{}, &metrics.Notifier{}},
		LastSync:     lastSync,
	})

	// 3. 配置监听
	watcher, err := config.NewWatcher(a.configPath, cfg, func(c config.Change) {
		a.applyChange(ctx, sched, c)
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(sched.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(watcher.Run(gctx)) })

	// 4. 手动同步信号
	manual := make(chan os.Signal, 1)
	notifyManualSync(manual)
	defer signal.Stop(manual)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-manual:
				slog.Info("收到手动同步请求")
				sched.TriggerNow()
			}
		}
	})

	// 5. 指标服务
	if cfg.System.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.System.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("指标服务已启动", "addr", cfg.System.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	slog.Info("所有任务已完成，程序退出")
	return err
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// applyChange 把配置变更送到调度器；涉及引擎状态的修改都在两轮同步之间执行
func (a *app) applyChange(ctx context.Context, sched *scheduler.Scheduler, c config.Change) {
	syncNow := false

	if c.RootChanged() {
		err := sched.Do(ctx, func(context.Context) error {
			if _, err := a.handler.Apply(c.Old.Sync.DownloadRoot, c.New.Sync.DownloadRoot, c.New.Sync.Policy); err != nil {
				return err
			}
			mirror, err := newMirror(c.New.Sync.DownloadRoot)
			if err != nil {
				return err
			}
			a.engine.SetMirror(mirror)
			return nil
		})
		if err != nil {
			slog.Error("切换下载目录失败", "err", err)
		} else {
			syncNow = true
		}
	}

	if c.FilterChanged() {
		err := sched.Do(ctx, func(context.Context) error {
			a.engine.SetFilter(syncer.Filter{Since: c.New.Sync.StartDate})
			return nil
		})
		if err != nil {
			slog.Error("修改课程过滤条件失败", "err", err)
		} else {
			slog.Info("课程过滤条件已修改", "course_start_date", c.New.Sync.CourseStartDate)
		}
	}

	if c.SessionChanged() {
		err := sched.Do(ctx, func(context.Context) error {
			a.client.SetSessionCookie(c.New.LMS.SessionCookie)
			return nil
		})
		if err != nil {
			slog.Error("更新会话凭证失败", "err", err)
		} else {
			slog.Info("会话凭证已更新")
			syncNow = true
		}
	}

	if c.IntervalChanged() {
		if err := sched.SetInterval(ctx, c.New.Sync.IntervalDuration); err != nil {
			slog.Error("修改同步间隔失败", "err", err)
		}
	}

	a.cfg = c.New
	if syncNow {
		sched.TriggerNow()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

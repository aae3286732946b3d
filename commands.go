package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bbsync/internal/config"
	"bbsync/internal/fs/local"
	"bbsync/internal/location"
	syncer "bbsync/internal/sync"

	"github.com/spf13/cobra"
)

// errCycleFailed sync 子命令本轮结果为失败
var errCycleFailed = errors.New("sync cycle failed")

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "bbsync",
		Short: "把 Blackboard 课程内容镜像到本地目录",
		// 错误由 main 统一打印
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "配置文件路径")

	root.AddCommand(
		newRunCmd(&configPath),
		newSyncCmd(&configPath),
		newStatusCmd(&configPath),
		newRelocateCmd(&configPath),
		newPruneCmd(&configPath),
		newValidateCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "后台常驻，按间隔定时同步",
		Long: "启动同步调度器并监听配置文件变化。\n" +
			"发送 SIGHUP 可以立即触发一次同步。",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.runDaemon(cmd.Context())
		},
	}
}

func newSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "立即执行一轮同步后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.CycleTimeoutDuration)
			defer cancel()

			if _, err := a.client.Validate(ctx); err != nil {
				return err
			}

			result, err := a.engine.RunCycle(ctx)
			if result != nil {
				printCycle(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}
			if result.Status == syncer.StatusFailed {
				return errCycleFailed
			}
			return nil
		},
	}
}

func printCycle(w io.Writer, r *syncer.CycleResult) {
	s := r.Summary
	fmt.Fprintf(w, "结果:     %s\n", r.Status)
	fmt.Fprintf(w, "耗时:     %s\n", r.Finished.Sub(r.Started).Round(time.Millisecond))
	fmt.Fprintf(w, "下载:     %d (%d bytes)\n", s.Downloaded, s.Bytes)
	fmt.Fprintf(w, "移动:     %d\n", s.Relocated)
	fmt.Fprintf(w, "未变化:   %d\n", s.Skipped)
	fmt.Fprintf(w, "标记过期: %d\n", s.MarkedStale)
	if s.Failed > 0 {
		fmt.Fprintf(w, "失败:     %d (会话失效 %d)\n", s.Failed, s.AuthFailed)
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "查看镜像索引状态",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.db.Stats()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "配置的下载目录: %s\n", a.cfg.Sync.DownloadRoot)
			fmt.Fprintf(w, "索引文件:       %s\n", a.db.Path())
			fmt.Fprintf(w, "索引记录的目录: %s\n", stats.Root)
			fmt.Fprintf(w, "条目:           %d (过期 %d)\n", stats.Entries, stats.Stale)
			if stats.LastSync.IsZero() {
				fmt.Fprintln(w, "上次同步:       从未")
			} else {
				fmt.Fprintf(w, "上次同步:       %s\n", stats.LastSync.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func newRelocateCmd(configPath *string) *cobra.Command {
	var (
		to     string
		policy string
	)
	cmd := &cobra.Command{
		Use:   "relocate",
		Short: "修改下载目录",
		Long: "修改配置中的下载目录并按策略处理索引。\n" +
			"redownload: 作废索引，下一轮同步到新目录重新下载；\n" +
			"migrate: 旧文件已由用户自行移动，只改写索引中的路径。\n" +
			"不会移动或删除任何文件。运行中的 run 进程持有数据库锁，请改为直接编辑配置文件。",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := location.ParsePolicy(policy)
			if err != nil {
				return err
			}
			newRoot, err := config.ExpandPath(to)
			if err != nil {
				return fmt.Errorf("无效的目录 %q: %w", to, err)
			}

			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			oldRoot, err := a.db.Root()
			if err != nil {
				return err
			}
			if oldRoot == "" {
				oldRoot = a.cfg.Sync.DownloadRoot
			}

			res, err := a.handler.Apply(oldRoot, newRoot, p)
			if err != nil {
				return err
			}
			if err := config.SetDownloadRoot(*configPath, newRoot); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "下载目录: %s -> %s (%s)\n", res.OldRoot, res.NewRoot, res.Policy)
			switch res.Policy {
			case location.PolicyRedownload:
				fmt.Fprintf(w, "已作废 %d 条索引，旧目录中的文件保留不动\n", res.Invalidated)
			case location.PolicyMigrate:
				fmt.Fprintf(w, "已改写 %d 条索引，跳过 %d 条\n", res.Rewritten, res.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "新的下载目录")
	cmd.Flags().StringVar(&policy, "policy", string(location.PolicyRedownload), "redownload 或 migrate")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newPruneCmd(configPath *string) *cobra.Command {
	var removeFiles bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "清理已过期的索引条目",
		Long: "删除远端已不可见 (已标记过期) 的条目的索引记录。\n" +
			"默认不动本地文件；加上 --files 时一并删除，非空目录保留。\n" +
			"运行中的 run 进程持有数据库锁，请先停止。",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			root := a.cfg.Sync.DownloadRoot
			res, err := syncer.PruneStale(a.db, local.NewAdapter(nil, root).Fs(), root, removeFiles)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, e := range res.Pruned {
				fmt.Fprintf(w, "  %s (上次同步 %s)\n", e.LocalPath, e.LastSyncedTime().Local().Format(time.DateTime))
			}
			fmt.Fprintf(w, "已清理 %d 条过期索引", len(res.Pruned))
			if removeFiles {
				fmt.Fprintf(w, "，删除 %d 个本地文件或目录", res.Removed)
			}
			fmt.Fprintln(w)
			for _, p := range res.Kept {
				fmt.Fprintf(w, "保留: %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&removeFiles, "files", false, "同时删除本地文件")
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "检查配置和会话凭证",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.LMS.RequestTimeoutDuration)
			defer cancel()

			u, err := a.client.Validate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "配置有效，当前用户: %s (%s)\n", u.UserName, u.ID)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本号",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bbsync", version)
		},
	}
}

func exitWith(err error) {
	fmt.Fprintln(os.Stderr, "错误:", err)
	os.Exit(1)
}

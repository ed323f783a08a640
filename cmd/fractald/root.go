package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"fractal-arena/internal/config"
	"fractal-arena/pkg/logger"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "fractald",
		Short:        "fractald 托管多个钱包在 Fraction AI 上自动开赛",
		SilenceUsage: true,
		Version:      version,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "配置文件路径")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(opts),
		newAddressCmd(opts),
		newCaptchaCmd(opts),
		newTxCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func defaultConfigPath() string {
	if v := os.Getenv("FRACTAL_CONFIG"); v != "" {
		return v
	}
	return filepath.Join("configs", "fractal.json")
}

// load 读取配置并初始化日志。
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NPCForge 为桌面角色扮演游戏主持人生成 NPC。
//
// 用法：
//
//	# 启动服务（默认命令）
//	npcforge
//	npcforge serve --config /etc/npcforge/config.yaml
//
//	# 查看本月用量
//	npcforge usage
//
//	# 手动重置某个模型的用量
//	npcforge usage reset gpt-4o-mini
//
//	# 立即清理过期请求日志
//	npcforge logs clean
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/xiaopang/npcforge/internal/config"
	"github.com/xiaopang/npcforge/internal/logger"
	"github.com/xiaopang/npcforge/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "npcforge",
	Short: "NPCForge - NPC generator for tabletop game masters",
	Long: `NPCForge generates ready-to-play non-player characters with an
OpenAI-compatible API, keeps them in a local SQLite library and lets you
chat with them in character.

Generation is capped per model per calendar month.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// .env 不存在时忽略
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "配置文件路径")
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Setup(cfg.LoggerOptions()); err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	return cfg, nil
}

// openStore 打开数据库，调用方负责 Close
func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	return db, nil
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"perpdesk/internal/alarm"
	"perpdesk/internal/coins"
	"perpdesk/internal/config"
	"perpdesk/internal/gateway/database"
	"perpdesk/internal/gateway/notifier"
	"perpdesk/internal/history"
	"perpdesk/internal/logger"
	"perpdesk/internal/profile"
	"perpdesk/internal/store"
)

// archive 轮次与告警共用的持久化后端。
type archive interface {
	history.Store
	alarm.Store
	alarm.Reader
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.App.LogLevel)
	return cfg, nil
}

// openArchive db_path 为空时退回内存存储，进程退出即丢失。
func openArchive(cfg *config.Config) (archive, func(), error) {
	path := cfg.DBPath()
	if path == "" {
		logger.Warnf("history.db_path 为空，决策历史只保存在内存中")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

// openPersistedArchive 只读命令使用，内存存储没有可读的内容。
func openPersistedArchive(cfg *config.Config) (*database.Store, error) {
	path := cfg.DBPath()
	if path == "" {
		return nil, fmt.Errorf("history.db_path 为空，没有持久化的历史")
	}
	return database.Open(path)
}

// newNotifier 未配置 Telegram 时返回 nil。
func newNotifier(cfg *config.Config) alarm.Notifier {
	if tg := notifier.NewTelegram(cfg.Alarm.TelegramToken, cfg.Alarm.TelegramChatID); tg != nil {
		return tg
	}
	return nil
}

func newEscalator(ctx context.Context, cfg *config.Config, arc archive, push alarm.Notifier) *alarm.Escalator {
	stores := []alarm.Store{arc}
	if f := strings.TrimSpace(cfg.Alarm.File); f != "" {
		stores = append(stores, alarm.NewFileStore(f))
	}
	esc := alarm.NewEscalator(push, stores...)
	counts, err := arc.AlarmCounts(ctx)
	if err != nil {
		logger.Warnf("恢复告警计数失败: %v", err)
	} else {
		esc.Seed(counts)
	}
	return esc
}

func newSymbolProvider(cfg *config.Config) coins.SymbolProvider {
	if url := strings.TrimSpace(cfg.Schedule.SymbolsURL); url != "" {
		return coins.NewHTTPProvider(url, cfg.Schedule.Symbols, 10*time.Second)
	}
	return coins.NewStaticProvider(cfg.Schedule.Symbols)
}

func loadStrategies(cfg *config.Config) (*profile.Manager, error) {
	return profile.Load(cfg.Advisory.StrategiesPath)
}

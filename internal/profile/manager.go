package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"perpdesk/internal/logger"
)

// File strategies.yaml 结构。
type File struct {
	Strategies map[string]StrategyEntry `yaml:"strategies"`
}

type StrategyEntry struct {
	Description string `yaml:"description,omitempty"`
	System      string `yaml:"system"`
	User        string `yaml:"user,omitempty"`
	Default     bool   `yaml:"default,omitempty"`
}

// Manager 按名称解析策略。
type Manager struct {
	mu          sync.RWMutex
	strategies  map[string]*Strategy
	defaultName string
}

// Load 读取 strategies.yaml 并合并到内置策略上；path 为空或文件不存在时只用内置策略。
func Load(path string) (*Manager, error) {
	file := DefaultStrategies()
	if strings.TrimSpace(path) != "" {
		user, err := readFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warnf("strategies 文件 %s 不存在，使用内置策略", path)
		case err != nil:
			return nil, err
		default:
			for name, e := range user.Strategies {
				file.Strategies[name] = e
			}
			if hasDefault(user) {
				for name, e := range file.Strategies {
					if _, ok := user.Strategies[name]; !ok && e.Default {
						e.Default = false
						file.Strategies[name] = e
					}
				}
			}
		}
	}
	return build(file)
}

func readFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return f, nil
}

func hasDefault(f File) bool {
	for _, e := range f.Strategies {
		if e.Default {
			return true
		}
	}
	return false
}

func build(f File) (*Manager, error) {
	m := &Manager{strategies: make(map[string]*Strategy, len(f.Strategies))}
	names := make([]string, 0, len(f.Strategies))
	for name := range f.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := f.Strategies[name]
		key := strings.ToLower(strings.TrimSpace(name))
		if strings.TrimSpace(e.System) == "" {
			return nil, fmt.Errorf("strategy %s 缺少 system 提示词", name)
		}
		if strings.TrimSpace(e.User) == "" {
			e.User = defaultUserPrompt
		}
		s, err := newStrategy(key, e)
		if err != nil {
			return nil, err
		}
		m.strategies[key] = s
		if e.Default && m.defaultName == "" {
			m.defaultName = key
		}
	}
	if len(m.strategies) == 0 {
		return nil, errors.New("no strategies configured")
	}
	if m.defaultName == "" {
		m.defaultName = names[0]
	}
	logger.Infof("已加载 %d 个策略 (default=%s)", len(m.strategies), m.defaultName)
	return m, nil
}

// Resolve 名称为空时返回默认策略；未知名称返回错误。
func (m *Manager) Resolve(name string) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = m.defaultName
	}
	s, ok := m.strategies[key]
	if !ok {
		return nil, fmt.Errorf("strategy '%s' 不存在", name)
	}
	return s, nil
}

// Names 排序后的策略名。
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.strategies))
	for name := range m.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Default() string { return m.defaultName }

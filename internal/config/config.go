// Package config 实现工具链配置
//
// 配置可以来自 solafdo.toml，也可以被命令行旗标覆盖。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "solafdo.toml" // 配置文件名
)

// Config 内联驱动配置
type Config struct {
	Inliner InlinerConfig `toml:"inliner"`
	Profile ProfileConfig `toml:"profile"`
}

// InlinerConfig 内联器部分
type InlinerConfig struct {
	// Metric 指标名（mean、max、QPLinear 等）
	Metric string `toml:"metric"`

	// Quantiles Q 系指标的分位点；(1,100] 按百分数理解
	Quantiles []float64 `toml:"quantiles"`

	// Budget 代码膨胀预算：0 不限，1 自动，其余为字面指令数
	Budget uint32 `toml:"budget"`

	// Depth 内联历史深度上限，0 不限
	Depth uint32 `toml:"depth"`

	// LogBase 日志文件前缀；"-" 时报告流走标准输出，诊断只走标准错误
	LogBase string `toml:"log_base"`

	// Verbosity 诊断详细级别 0（静默）到 10（全量）
	Verbosity int `toml:"verbosity"`
}

// ProfileConfig 档案部分
type ProfileConfig struct {
	// CallProfile 组合调用档案文件名
	CallProfile string `toml:"call_profile"`

	// BinCount 构建直方图的 bin 数
	BinCount uint32 `toml:"bin_count"`
}

// Default 缺省配置
func Default() *Config {
	return &Config{
		Inliner: InlinerConfig{
			Metric:    "mean",
			Budget:    1,
			LogBase:   "FDIlog",
			Verbosity: 4,
		},
		Profile: ProfileConfig{
			CallProfile: "call.cp",
			BinCount:    20,
		},
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// LoadIfPresent 配置文件存在则加载，不存在用缺省
func LoadIfPresent(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ParseQuantiles 解析逗号分隔的分位点表
func ParseQuantiles(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad quantile value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

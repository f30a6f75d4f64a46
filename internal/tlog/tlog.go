// Package tlog 实现按优先级过滤的多路输出日志（tee 流）
//
// 一个 Tee 持有多个输出 sink，每个 sink 有自己的阈值。
// 消息带优先级写入：优先级 >= sink 阈值的消息才会写到该 sink。
//
// 优先级约定：
//   - 消息侧：Error 总是打印，Never 从不打印
//   - sink 侧：阈值越低，接收的消息越多
package tlog

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Priority 消息/阈值优先级
type Priority uint8

const (
	Never   Priority = 0  // 从不打印
	Verbose Priority = 1  // 冗长细节
	Detail  Priority = 2  // 小函数级跟踪
	Trace   Priority = 3  // 大函数进出、算法节点
	Info    Priority = 4  // 常规信息
	Log     Priority = 6  // 报告输出
	Warn    Priority = 8  // 警告
	Error   Priority = 10 // 错误，总是打印
	Always  Priority = 10
)

// Clamp 把数值限制到合法优先级区间
func Clamp(p int) Priority {
	if p < int(Never) {
		return Never
	}
	if p > int(Always) {
		return Always
	}
	return Priority(p)
}

// sink 一路输出：zap logger + 阈值 + 可关闭句柄
type sink struct {
	logger    *zap.Logger
	threshold Priority
	closer    io.Closer
}

// Tee 多路优先级日志流
type Tee struct {
	sinks []sink
	def   Priority // 无显式优先级消息的默认优先级
}

// New 创建空 Tee，默认消息优先级为 Verbose
func New() *Tee {
	return &Tee{def: Verbose}
}

// NewStderr 创建带 stderr sink 的 Tee。
// override 为 true 时 stderr 使用给定阈值，否则只收警告及以上。
func NewStderr(threshold Priority, override bool) *Tee {
	t := New()
	if override {
		t.AddWriter(os.Stderr, threshold)
	} else {
		t.AddWriter(os.Stderr, Warn)
	}
	return t
}

// rawEncoderConfig 裸行编码：报告文件不要时间戳和级别前缀
func rawEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:  "msg",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeLevel: nil,
		EncodeTime:  nil,
	}
}

// zapLevel 把消息优先级映射到 zap 级别
func zapLevel(p Priority) zapcore.Level {
	switch {
	case p >= Error:
		return zapcore.ErrorLevel
	case p >= Warn:
		return zapcore.WarnLevel
	case p >= Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// AddWriter 追加一路输出
func (t *Tee) AddWriter(w io.Writer, threshold Priority) {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(rawEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel, // 阈值过滤由 Tee 自己做
	)
	t.sinks = append(t.sinks, sink{logger: zap.New(core), threshold: threshold})
}

// AddFile 打开文件并追加为一路输出，Tee 负责关闭
func (t *Tee) AddFile(filename string, threshold Priority) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", filename, err)
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(rawEncoderConfig()),
		zapcore.AddSync(f),
		zapcore.DebugLevel,
	)
	t.sinks = append(t.sinks, sink{logger: zap.New(core), threshold: threshold, closer: f})
	return nil
}

// SetDefaultPriority 设置无显式优先级消息的默认优先级
func (t *Tee) SetDefaultPriority(p Priority) {
	t.def = p
}

// Printf 以默认优先级输出
func (t *Tee) Printf(format string, args ...interface{}) {
	t.Logf(t.def, format, args...)
}

// Logf 以给定优先级输出一条消息
func (t *Tee) Logf(p Priority, format string, args ...interface{}) {
	if p == Never {
		return
	}
	var msg string
	var lvl zapcore.Level
	for i := range t.sinks {
		s := &t.sinks[i]
		if s.threshold > p {
			continue
		}
		if msg == "" {
			msg = fmt.Sprintf(format, args...)
			lvl = zapLevel(p)
		}
		if ce := s.logger.Check(lvl, msg); ce != nil {
			ce.Write()
		}
	}
}

// Errorf / Warnf / Infof / Tracef / Verbosef 常用优先级的便捷形式

func (t *Tee) Errorf(format string, args ...interface{})   { t.Logf(Error, format, args...) }
func (t *Tee) Warnf(format string, args ...interface{})    { t.Logf(Warn, format, args...) }
func (t *Tee) Infof(format string, args ...interface{})    { t.Logf(Info, format, args...) }
func (t *Tee) Tracef(format string, args ...interface{})   { t.Logf(Trace, format, args...) }
func (t *Tee) Verbosef(format string, args ...interface{}) { t.Logf(Verbose, format, args...) }

// Flush 同步所有 sink
func (t *Tee) Flush() {
	for i := range t.sinks {
		_ = t.sinks[i].logger.Sync()
	}
}

// Close 同步并关闭所有由 Tee 打开的文件
func (t *Tee) Close() error {
	var err error
	for i := range t.sinks {
		_ = t.sinks[i].logger.Sync()
		if t.sinks[i].closer != nil {
			err = multierr.Append(err, t.sinks[i].closer.Close())
		}
	}
	t.sinks = nil
	return err
}

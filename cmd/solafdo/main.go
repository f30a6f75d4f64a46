// solafdo - 档案制导内联驱动
//
// 用法:
//   solafdo [options] module.sir
//
// 读入模块 IR 和组合调用档案，按选定指标做贪心内联，
// 结果写回模块文件。统计与日志按优先级写入五路输出
// (.count .cseval .dead .hash .debug)。

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tangzhangming/solafdo/internal/config"
	"github.com/tangzhangming/solafdo/internal/cprof"
	"github.com/tangzhangming/solafdo/internal/fdo"
	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "solafdo"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")

	configFlag  = flag.String("config", config.ConfigFileName, "配置文件路径")
	cprofFlag   = flag.String("cprof", "", "组合调用档案文件")
	metricFlag  = flag.String("metric", "", "内联指标名")
	qlistFlag   = flag.String("q", "", "分位点表，逗号分隔")
	budgetFlag  = flag.Int("budget", -1, "代码膨胀预算: 0 不限, 1 自动, 其他为指令数")
	depthFlag   = flag.Int("depth", -1, "内联历史深度上限, 0 不限")
	logFlag     = flag.String("log", "", "日志文件前缀, '-' 走标准输出")
	verboseFlag = flag.Int("verbose", -1, "诊断级别 0-10")
	outputFlag  = flag.String("o", "", "输出模块文件, 缺省覆盖输入")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}

	if err := run(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// mergeFlags 旗标覆盖配置文件
func mergeFlags(cfg *config.Config) error {
	if *cprofFlag != "" {
		cfg.Profile.CallProfile = *cprofFlag
	}
	if *metricFlag != "" {
		cfg.Inliner.Metric = *metricFlag
	}
	if *qlistFlag != "" {
		qs, err := config.ParseQuantiles(*qlistFlag)
		if err != nil {
			return err
		}
		cfg.Inliner.Quantiles = qs
	}
	if *budgetFlag >= 0 {
		cfg.Inliner.Budget = uint32(*budgetFlag)
	}
	if *depthFlag >= 0 {
		cfg.Inliner.Depth = uint32(*depthFlag)
	}
	if *logFlag != "" {
		cfg.Inliner.LogBase = *logFlag
	}
	if *verboseFlag >= 0 {
		cfg.Inliner.Verbosity = *verboseFlag
	}
	return nil
}

// logStreams 内联器的五路输出
type logStreams struct {
	debug, count, cseval, dead, hash *tlog.Tee
	files                            []*os.File
}

// close 收尾并关闭文件
func (ls *logStreams) close() {
	for _, t := range []*tlog.Tee{ls.debug, ls.count, ls.cseval, ls.dead, ls.hash} {
		if t != nil {
			_ = t.Close()
		}
	}
	for _, f := range ls.files {
		_ = f.Close()
	}
}

// openStreams 按日志前缀建流。前缀为 '-' 时四个报告流路由到标准输出，
// 不建 .debug 文件，诊断流只走标准错误。
func openStreams(cfg *config.Config) (*logStreams, error) {
	verbosity := tlog.Clamp(cfg.Inliner.Verbosity)

	ls := &logStreams{
		debug:  tlog.NewStderr(verbosity, true),
		count:  tlog.New(),
		cseval: tlog.New(),
		dead:   tlog.New(),
		hash:   tlog.New(),
	}
	reports := []*tlog.Tee{ls.count, ls.cseval, ls.dead, ls.hash}
	for _, t := range reports {
		t.SetDefaultPriority(tlog.Log)
	}

	base := cfg.Inliner.LogBase
	if base == "-" {
		for _, t := range reports {
			t.AddWriter(os.Stdout, tlog.Log)
		}
		return ls, nil
	}

	suffixes := []string{".count", ".cseval", ".dead", ".hash"}
	for i, t := range reports {
		if err := t.AddFile(base+suffixes[i], tlog.Log); err != nil {
			ls.close()
			return nil, err
		}
	}

	if verbosity != tlog.Never {
		// 调试文件收全量；报告流按诊断级别镜像进去
		f, err := os.Create(base + ".debug")
		if err != nil {
			ls.close()
			return nil, fmt.Errorf("failed to open debug log: %w", err)
		}
		ls.files = append(ls.files, f)
		ls.debug.AddWriter(f, tlog.Verbose)
		for _, t := range reports {
			t.AddWriter(f, verbosity)
		}
	}
	return ls, nil
}

func run(modulePath string) error {
	cfg, err := config.LoadIfPresent(*configFlag)
	if err != nil {
		return err
	}
	if err := mergeFlags(cfg); err != nil {
		return err
	}

	data, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}
	module, err := ir.NewDeserializer(data).Deserialize()
	if err != nil {
		return fmt.Errorf("failed to load module %s: %w", modulePath, err)
	}

	ls, err := openStreams(cfg)
	if err != nil {
		return err
	}
	defer ls.close()

	// 装载调用档案
	fact := cprof.NewFactory(module, cfg.Profile.BinCount, ls.debug)
	if err := fact.BuildProfiles(cfg.Profile.CallProfile); err != nil {
		ls.debug.Errorf("profile ingest: %v", err)
	}
	if !fact.HasCallCP() {
		return fmt.Errorf("no call profile found in file %q", cfg.Profile.CallProfile)
	}
	callCP := fact.TakeCallCP()
	fact.Clear()

	inliner := fdo.NewInliner(module, fdo.Options{
		Metric:    cfg.Inliner.Metric,
		Quantiles: cfg.Inliner.Quantiles,
		Budget:    cfg.Inliner.Budget,
		Depth:     cfg.Inliner.Depth,
	}, ls.debug, ls.count, ls.cseval, ls.dead, ls.hash)

	totalSize := inliner.Initialize(callCP)
	if totalSize == 0 {
		cprof.FreeStaticData()
		return fmt.Errorf("inliner failed to initialize")
	}

	inliner.Run()
	ls.debug.Infof("solafdo: %s", inliner.Summary())

	// 管线退出，静态缓存一并释放
	cprof.FreeStaticData()
	inliner.Env().Free()

	out := *outputFlag
	if out == "" {
		out = modulePath
	}
	encoded, err := ir.NewSerializer().Serialize(module)
	if err != nil {
		return fmt.Errorf("failed to serialize module: %w", err)
	}
	if err := os.WriteFile(out, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write module: %w", err)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - 档案制导内联驱动 v%s

用法:
  %s [选项] module.sir

选项:
`, Name, Version, Name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
示例:
  # 用 mean 指标和自动预算内联
  %s -cprof call.cp -metric mean module.sir

  # 分位点指标, 预算 5000 条指令
  %s -cprof call.cp -metric QPLinear -q 50,90 -budget 5000 module.sir
`, Name, Name)
}

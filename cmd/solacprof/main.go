// solacprof - 组合档案工具
//
// 用法:
//   solacprof merge [options] module.sir profile...   # 合并原始/组合档案
//   solacprof info module.sir combined.cp             # 打印直方图概要
//   solacprof stats module.sir combined.cp            # 打印直方图统计
//   solacprof summary module.sir combined.cp          # 打印分布形态汇总
//   solacprof drift module.sir a.cp b.cp              # 对比两个档案的漂移
//   solacprof edgedom module.sir                      # 生成边支配信息文件
//   solacprof export [options] module.sir combined.cp # 导出 json/pprof

package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/solafdo/internal/cprof"
	"github.com/tangzhangming/solafdo/internal/edt"
	"github.com/tangzhangming/solafdo/internal/ir"
	"github.com/tangzhangming/solafdo/internal/tlog"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "solacprof"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")
	verboseFlag = flag.Bool("v", false, "详细输出")

	outputFlag = flag.String("o", "combined.cp", "输出文件")
	binsFlag   = flag.Int("bins", 0, "直方图 bin 数, 0 用缺省")
	formatFlag = flag.String("format", "json", "导出格式: json, pprof")
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
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	// 子命令之后的选项同样生效
	_ = flag.CommandLine.Parse(args[1:])
	cmdArgs := flag.Args()

	var err error
	switch cmd {
	case "merge":
		err = runMerge(cmdArgs)
	case "info":
		err = runPrint(cmdArgs, cprof.PrintHistogramInfo)
	case "stats":
		err = runPrint(cmdArgs, cprof.PrintHistogramStats)
	case "summary":
		err = runPrint(cmdArgs, cprof.PrintSummary)
	case "drift":
		err = runDrift(cmdArgs)
	case "edgedom":
		err = runEdgeDom(cmdArgs)
	case "export":
		err = runExport(cmdArgs)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// diag 工具自身的诊断流
func diag() *tlog.Tee {
	if *verboseFlag {
		return tlog.NewStderr(tlog.Verbose, true)
	}
	return tlog.NewStderr(tlog.Warn, true)
}

// loadModule 读入模块 IR
func loadModule(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	m, err := ir.NewDeserializer(data).Deserialize()
	if err != nil {
		return nil, fmt.Errorf("failed to load module %s: %w", path, err)
	}
	return m, nil
}

// buildProfiles 把一批档案文件并成每类一个成品
func buildProfiles(m *ir.Module, files []string, log *tlog.Tee) (*cprof.Factory, error) {
	fact := cprof.NewFactory(m, uint32(*binsFlag), log)
	if err := fact.BuildProfiles(files...); err != nil {
		log.Errorf("profile ingest: %v", err)
	}
	if !fact.HasEdgeCP() && !fact.HasPathCP() && !fact.HasCallCP() {
		return nil, fmt.Errorf("no profiles could be read")
	}
	return fact, nil
}

// runMerge 合并档案并写出
func runMerge(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("merge 需要模块文件和至少一个档案文件")
	}
	log := diag()
	defer cprof.FreeStaticData()

	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	fact, err := buildProfiles(m, args[1:], log)
	if err != nil {
		return err
	}

	out, err := os.Create(*outputFlag)
	if err != nil {
		return fmt.Errorf("cannot open %s for writing: %w", *outputFlag, err)
	}
	defer out.Close()

	if fact.HasEdgeCP() {
		cp := fact.TakeEdgeCP()
		written, err := cp.Serialize(out)
		if err != nil {
			return err
		}
		log.Infof("edge: wrote %d histograms", written)
	}
	if fact.HasPathCP() {
		cp := fact.TakePathCP()
		written, err := cp.Serialize(out)
		if err != nil {
			return err
		}
		log.Infof("path: wrote %d histograms (%d functions)", written, cp.FunctionCount())
	}
	if fact.HasCallCP() {
		cp := fact.TakeCallCP()
		written, err := cp.Serialize(out)
		if err != nil {
			return err
		}
		log.Infof("call: wrote %d histograms", written)
	}
	return nil
}

// forEachProfile 对档案文件里的每类成品执行 fn
func forEachProfile(m *ir.Module, file string, log *tlog.Tee, fn func(cp cprof.CombinedProfile)) error {
	fact, err := buildProfiles(m, []string{file}, log)
	if err != nil {
		return err
	}
	if fact.HasEdgeCP() {
		fn(fact.TakeEdgeCP())
	}
	if fact.HasPathCP() {
		fn(fact.TakePathCP())
	}
	if fact.HasCallCP() {
		fn(fact.TakeCallCP())
	}
	return nil
}

// runPrint info/stats/summary 共用入口
func runPrint(args []string, print func(cprof.CombinedProfile, io.Writer)) error {
	if len(args) != 2 {
		return fmt.Errorf("需要模块文件和档案文件")
	}
	log := diag()
	defer cprof.FreeStaticData()

	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	return forEachProfile(m, args[1], log, func(cp cprof.CombinedProfile) {
		print(cp, os.Stdout)
	})
}

// runDrift 对比两个档案
func runDrift(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("drift 需要模块文件和两个档案文件")
	}
	log := diag()
	defer cprof.FreeStaticData()

	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	factA, err := buildProfiles(m, []string{args[1]}, log)
	if err != nil {
		return err
	}
	factB, err := buildProfiles(m, []string{args[2]}, log)
	if err != nil {
		return err
	}

	if factA.HasEdgeCP() && factB.HasEdgeCP() {
		cprof.PrintDrift(factA.TakeEdgeCP(), factB.TakeEdgeCP(), os.Stdout, os.Stderr)
	}
	if factA.HasPathCP() && factB.HasPathCP() {
		// 路径档案的槽位跨档案不稳定，走自己的对齐
		factA.TakePathCP().PrintDrift(factB.TakePathCP(), os.Stdout, os.Stderr)
	}
	if factA.HasCallCP() && factB.HasCallCP() {
		cprof.PrintDrift(factA.TakeCallCP(), factB.TakeCallCP(), os.Stdout, os.Stderr)
	}
	return nil
}

// runEdgeDom 生成边支配信息文件
func runEdgeDom(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("edgedom 需要模块文件")
	}
	log := diag()

	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	tree, err := edt.NewEdgeDominatorTree(m, log)
	if err != nil {
		return err
	}

	out, err := os.Create(*outputFlag)
	if err != nil {
		return fmt.Errorf("cannot open %s for writing: %w", *outputFlag, err)
	}
	defer out.Close()

	log.Infof("Generating edge dominance file (%d edges)", tree.EdgeCount())
	return tree.WriteDomFile(out)
}

// histogramJSON 导出用的直方图概要
type histogramJSON struct {
	Index    int     `json:"index"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stdev    float64 `json:"stdev"`
	Coverage float64 `json:"coverage"`
	Weight   float64 `json:"weight"`
	Point    bool    `json:"point"`
}

// profileJSON 导出用的档案概要
type profileJSON struct {
	Kind        string          `json:"kind"`
	TotalWeight float64         `json:"total_weight"`
	BinCount    uint32          `json:"bin_count"`
	Histograms  []histogramJSON `json:"histograms"`
}

// runExport 导出 json 或 pprof
func runExport(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("export 需要模块文件和档案文件")
	}
	log := diag()
	defer cprof.FreeStaticData()

	m, err := loadModule(args[0])
	if err != nil {
		return err
	}
	fact, err := buildProfiles(m, []string{args[1]}, log)
	if err != nil {
		return err
	}

	switch *formatFlag {
	case "pprof":
		if !fact.HasCallCP() {
			return fmt.Errorf("pprof 导出需要调用档案")
		}
		out, err := os.Create(*outputFlag)
		if err != nil {
			return fmt.Errorf("cannot open %s for writing: %w", *outputFlag, err)
		}
		defer out.Close()
		return fact.TakeCallCP().ExportPprof(out)

	case "json":
		var profiles []profileJSON
		collect := func(cp cprof.CombinedProfile) {
			pj := profileJSON{
				Kind:        cp.Name(),
				TotalWeight: cp.TotalWeight(),
				BinCount:    cp.BinCount(),
			}
			for i, h := range cp.Histograms() {
				if h == nil || !h.NonZero() {
					continue
				}
				pj.Histograms = append(pj.Histograms, histogramJSON{
					Index: i, Min: h.Min(), Max: h.Max(),
					Mean: h.Mean(false), Stdev: h.Stdev(false),
					Coverage: h.Coverage(), Weight: h.NonZeroWeight(),
					Point: h.IsPoint(),
				})
			}
			profiles = append(profiles, pj)
		}
		if fact.HasEdgeCP() {
			collect(fact.TakeEdgeCP())
		}
		if fact.HasPathCP() {
			collect(fact.TakePathCP())
		}
		if fact.HasCallCP() {
			collect(fact.TakeCallCP())
		}

		data, err := json.MarshalIndent(profiles, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}
		if err := os.WriteFile(*outputFlag, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		return nil
	}
	return fmt.Errorf("未知导出格式: %s", *formatFlag)
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - 组合档案工具 v%s

用法:
  %s <命令> [选项] [参数]

命令:
  merge     合并原始/组合档案成单一组合档案
  info      打印直方图概要
  stats     打印直方图统计
  summary   打印分布形态汇总
  drift     对比两个档案的分布漂移
  edgedom   生成边支配信息文件
  export    导出 json 或 pprof
  help      显示帮助信息

选项:
`, Name, Version, Name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
示例:
  # 把三次试跑的原始档案并成 combined.cp
  %s merge -o combined.cp module.sir run1.out run2.out run3.out

  # 对比两个组合档案
  %s drift module.sir a.cp b.cp
`, Name, Name)
}

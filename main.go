package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/spf13/viper"
)

// flag
var (
	hf bool
	cf string
	ef string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.StringVar(&ef, "e", "", "editor `name` for rebase/clear on a locked branch")
	flag.Usage = usage
	//InitLog 初始化日志
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.DebugLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `mosaic version: mosaic/v0.1.0
Usage: mosaic [-h] [-c filename] [-e editor] [serve | rebase <idBranch> <idBase> | clear <idBranch>]
`)
	flag.PrintDefaults()
}

// initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "Mosaic Editor")
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("db.file", "mosaic.db")
	viper.SetDefault("task.workers", 4)
	viper.SetDefault("cache.slabs", 64)
	viper.SetDefault("log.level", "debug")
}

//CacheConfig 配置中的缓存
type CacheConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

//Config 运行参数
type Config struct {
	Title     string
	Version   string
	Port      int
	DBFile    string
	Workers   int
	SlabCache int
	LogLevel  string
	Caches    []CacheConfig
}

func loadConfig() (Config, error) {
	cfg := Config{
		Title:     viper.GetString("app.title"),
		Version:   viper.GetString("app.version"),
		Port:      viper.GetInt("server.port"),
		DBFile:    viper.GetString("db.file"),
		Workers:   viper.GetInt("task.workers"),
		SlabCache: viper.GetInt("cache.slabs"),
		LogLevel:  viper.GetString("log.level"),
	}
	if err := viper.UnmarshalKey("caches", &cfg.Caches); err != nil {
		return cfg, fmt.Errorf("caches config error: %s", err)
	}
	return cfg, nil
}

//Engine 组装好的各组件
type Engine struct {
	reg      *Registry
	procs    *ProcessQueue
	branches *BranchStore
	slabs    *SlabCache
}

//NewEngine 打开元数据库并登记缓存
func NewEngine(cfg Config) (*Engine, error) {
	reg, err := OpenRegistry(cfg.DBFile)
	if err != nil {
		return nil, err
	}
	slabs, err := NewSlabCache(cfg.SlabCache)
	if err != nil {
		reg.Close()
		return nil, err
	}
	procs := NewProcessQueue(reg)
	e := &Engine{
		reg:      reg,
		procs:    procs,
		branches: NewBranchStore(reg, NewPatchPipeline(reg, cfg.Workers), procs),
		slabs:    slabs,
	}
	for _, cc := range cfg.Caches {
		c, err := LoadCache(cc.Path)
		if err != nil {
			reg.Close()
			return nil, err
		}
		if err := e.branches.AddCache(cc.Name, c); err != nil {
			reg.Close()
			return nil, err
		}
	}
	return e, nil
}

//Close 等待后台任务后关闭
func (e *Engine) Close() error {
	e.procs.Wait()
	return e.reg.Close()
}

func serve(e *Engine, cfg Config) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: NewServer(e.branches, e.slabs, cfg.Title),
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	log.Infof("%s %s listening on %s ~", cfg.Title, cfg.Version, srv.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func argID(args []string, i int) (int64, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	return strconv.ParseInt(args[i], 10, 64)
}

func run(e *Engine, cfg Config, args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		return serve(e, cfg)
	case "rebase":
		target, err := argID(args, 1)
		if err != nil {
			return err
		}
		base, err := argID(args, 2)
		if err != nil {
			return err
		}
		return runRebase(e.branches, target, base, ef)
	case "clear":
		id, err := argID(args, 1)
		if err != nil {
			return err
		}
		return runClear(e.branches, id, ef)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}

	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	start := time.Now()
	e, err := NewEngine(cfg)
	if err != nil {
		log.Fatal(err)
	}
	err = run(e, cfg, flag.Args())
	if cerr := e.Close(); cerr != nil {
		log.Errorf("close registry error ~ %s", cerr)
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("%.3fs finished ~", time.Since(start).Seconds())
}

package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/beaver-cloud/internal/controller"
	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/worker"
)

// EnvPrefix 環境變數前綴，巢狀鍵以底線連接：registry.type → BEAVER_REGISTRY_TYPE
const EnvPrefix = "BEAVER"

// Config 行程設定
type Config struct {
	Registry struct {
		Type            string        `mapstructure:"type"`
		DataDir         string        `mapstructure:"data_dir"`
		Servers         []string      `mapstructure:"servers"`
		Namespace       string        `mapstructure:"namespace"`
		SessionTimeout  time.Duration `mapstructure:"session_timeout"`
		CompactInterval time.Duration `mapstructure:"compact_interval"`
	} `mapstructure:"registry"`

	Scheduler struct {
		Interval             time.Duration `mapstructure:"interval"`
		MaxLaunchesPerSecond float64       `mapstructure:"max_launches_per_second"`
		LaunchBurst          int           `mapstructure:"launch_burst"`
		InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff           time.Duration `mapstructure:"max_backoff"`
		BreakerFailures      uint32        `mapstructure:"breaker_failures"`
		BreakerTimeout       time.Duration `mapstructure:"breaker_timeout"`
		FailoverQueueSize    int           `mapstructure:"failover_queue_size"`
	} `mapstructure:"scheduler"`

	Agent struct {
		Local        bool          `mapstructure:"local"` // run 時是否在協調器內執行分片
		ID           string        `mapstructure:"id"`
		Hostname     string        `mapstructure:"hostname"`
		Workers      int           `mapstructure:"workers"`
		CPUs         float64       `mapstructure:"cpus"`
		MemoryMB     float64       `mapstructure:"memory_mb"`
		TaskTimeout  time.Duration `mapstructure:"task_timeout"`
		Lease        time.Duration `mapstructure:"lease"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"agent"`

	API struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"tracing"`

	HA struct {
		Enabled          bool          `mapstructure:"enabled"`
		ID               string        `mapstructure:"id"`
		ElectionInterval time.Duration `mapstructure:"election_interval"`
	} `mapstructure:"ha"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// setDefaults 每個設定鍵都要有預設值，AutomaticEnv 才能在 Unmarshal 時套用環境變數
func setDefaults(v *viper.Viper) {
	sched := launcher.DefaultConfig()

	v.SetDefault("registry.type", "local")
	v.SetDefault("registry.data_dir", "data/registry")
	v.SetDefault("registry.servers", []string{"localhost:2181"})
	v.SetDefault("registry.namespace", "beaver-cloud")
	v.SetDefault("registry.session_timeout", "10s")
	v.SetDefault("registry.compact_interval", "1m")

	v.SetDefault("scheduler.interval", sched.Interval.String())
	v.SetDefault("scheduler.max_launches_per_second", sched.MaxLaunchesPerSecond)
	v.SetDefault("scheduler.launch_burst", sched.LaunchBurst)
	v.SetDefault("scheduler.initial_backoff", sched.InitialBackoff.String())
	v.SetDefault("scheduler.max_backoff", sched.MaxBackoff.String())
	v.SetDefault("scheduler.breaker_failures", sched.BreakerFailures)
	v.SetDefault("scheduler.breaker_timeout", sched.BreakerTimeout.String())
	v.SetDefault("scheduler.failover_queue_size", 0)

	v.SetDefault("agent.local", true)
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.hostname", "")
	v.SetDefault("agent.workers", 4)
	v.SetDefault("agent.cpus", 4.0)
	v.SetDefault("agent.memory_mb", 4096.0)
	v.SetDefault("agent.task_timeout", "0s")
	v.SetDefault("agent.lease", "10s")
	v.SetDefault("agent.poll_interval", "1s")

	v.SetDefault("api.addr", "localhost:8080")
	v.SetDefault("grpc.addr", "localhost:50051")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.path", "data/trace.db")
	v.SetDefault("ha.enabled", false)
	v.SetDefault("ha.id", "")
	v.SetDefault("ha.election_interval", "500ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig 依序套用預設值、設定檔、環境變數與旗標
//
// path 為空時在目前目錄與 /etc/beaver-cloud 尋找 beaver-cloud.yaml，找不到不是錯誤。
// flags 為旗標名稱到設定鍵的對應，只有使用者明確設定的旗標會覆寫。
func LoadConfig(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("beaver-cloud")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/beaver-cloud")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, flag := range flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查無法在執行期修正的設定
func (c *Config) Validate() error {
	switch c.Registry.Type {
	case "local":
	case "zookeeper":
		if len(c.Registry.Servers) == 0 {
			return errors.New("registry.servers is required for zookeeper")
		}
	default:
		return fmt.Errorf("registry.type must be local or zookeeper, got %q", c.Registry.Type)
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.Agent.Workers <= 0 {
		return errors.New("agent.workers must be positive")
	}
	if c.HA.Enabled && c.Registry.Type != "zookeeper" {
		// 本地註冊中心只存在於單一行程
		return errors.New("ha.enabled requires registry.type zookeeper")
	}
	return nil
}

// ControllerConfig 轉換成協調器設定
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		ID: c.HA.ID,
		Registry: controller.RegistryConfig{
			Type:           c.Registry.Type,
			DataDir:        c.Registry.DataDir,
			Servers:        c.Registry.Servers,
			Namespace:      c.Registry.Namespace,
			SessionTimeout: c.Registry.SessionTimeout,
		},
		Scheduler: launcher.Config{
			Interval:             c.Scheduler.Interval,
			MaxLaunchesPerSecond: c.Scheduler.MaxLaunchesPerSecond,
			LaunchBurst:          c.Scheduler.LaunchBurst,
			InitialBackoff:       c.Scheduler.InitialBackoff,
			MaxBackoff:           c.Scheduler.MaxBackoff,
			BreakerFailures:      c.Scheduler.BreakerFailures,
			BreakerTimeout:       c.Scheduler.BreakerTimeout,
		},
		FailoverQueueSize: c.Scheduler.FailoverQueueSize,
		CompactInterval:   c.Registry.CompactInterval,
		AgentLease:        c.Agent.Lease,
		LocalAgent:        c.Agent.Local,
		Agent:             c.AgentConfig(),
		HA:                c.HA.Enabled,
		ElectionInterval:  c.HA.ElectionInterval,
		TracingEnabled:    c.Tracing.Enabled,
		TracingPath:       c.Tracing.Path,
		MetricsEnabled:    c.Metrics.Enabled,
	}
}

// AgentConfig agent 的資源設定
func (c *Config) AgentConfig() worker.AgentConfig {
	return worker.AgentConfig{
		ID:          c.Agent.ID,
		Hostname:    c.Agent.Hostname,
		CPUs:        c.Agent.CPUs,
		MemoryMB:    c.Agent.MemoryMB,
		Workers:     c.Agent.Workers,
		TaskTimeout: c.Agent.TaskTimeout,
	}
}

// flagKeys 旗標名稱對應的設定鍵
var flagKeys = map[string]string{
	"api-addr":      "api.addr",
	"grpc-addr":     "grpc.addr",
	"registry":      "registry.type",
	"data-dir":      "registry.data_dir",
	"zk-servers":    "registry.servers",
	"ha":            "ha.enabled",
	"id":            "ha.id",
	"local-agent":   "agent.local",
	"workers":       "agent.workers",
	"cpus":          "agent.cpus",
	"memory-mb":     "agent.memory_mb",
	"agent-id":      "agent.id",
	"task-timeout":  "agent.task_timeout",
	"poll-interval": "agent.poll_interval",
}

// flagBindings 收集命令上有對應設定鍵、且被使用者設定的旗標
func flagBindings(cmd *cobra.Command) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			out[key] = f
		}
	})
	return out
}

// ============================================================================
// Beaver-Cloud Metrics - Prometheus 監控指標
// ============================================================================
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - beaver_scheduling_cycles_total{result}: 排程循環次數（ok / error）
//      - beaver_triggers_total{outcome}: cron 觸發結果（ready / misfired / dropped）
//      - beaver_tasks_launched_total{type}: 依執行類型統計啟動的任務
//      - beaver_task_status_total{state}: 收到的任務狀態回報
//
//   2. 分佈 (Histogram)：
//      - beaver_cycle_duration_seconds: 單次排程循環耗時
//
//   3. 瞬時值 (Gauge)：
//      - beaver_eligible_tasks{bucket}: 最近一輪各優先組的可執行任務數
//      - beaver_running_tasks: 目前登記為執行中的任務數
//      - beaver_agents: 目前可用的執行節點數
//      - beaver_recovery_time_seconds: 最近一次本地 registry 恢復耗時
//
// Prometheus 查詢示例:
//
//   # failover 比例
//   rate(beaver_tasks_launched_total{type="FAILOVER"}[5m]) / rate(beaver_tasks_launched_total[5m])
//
//   # 95 分位排程延遲
//   histogram_quantile(0.95, beaver_cycle_duration_seconds_bucket)
//
// 所有方法在 *Collector 為 nil 時不做任何事，元件可選擇不注入。
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beaver"

// Collector Prometheus 指標收集器
type Collector struct {
	cycles       *prometheus.CounterVec
	triggers     *prometheus.CounterVec
	launched     *prometheus.CounterVec
	statuses     *prometheus.CounterVec
	cycleLatency prometheus.Histogram

	eligible     *prometheus.GaugeVec
	running      prometheus.Gauge
	agents       prometheus.Gauge
	recoveryTime prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 建立收集器並註冊到 reg；reg 為 nil 時使用 prometheus 預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_cycles_total",
			Help:      "Total number of scheduling cycles by result",
		}, []string{"result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Total number of cron triggers by outcome",
		}, []string{"outcome"}),
		launched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_launched_total",
			Help:      "Total number of launched tasks by execution type",
		}, []string{"type"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_status_total",
			Help:      "Total number of task status updates by state",
		}, []string{"state"}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Scheduling cycle latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		eligible: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_tasks",
			Help:      "Eligible tasks of the latest cycle by priority bucket",
		}, []string{"bucket"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Current number of running tasks",
		}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Current number of live agents",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to recover the local registry in seconds",
		}),
	}

	reg.MustRegister(c.cycles, c.triggers, c.launched, c.statuses, c.cycleLatency,
		c.eligible, c.running, c.agents, c.recoveryTime)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordCycle 記錄一次排程循環
func (c *Collector) RecordCycle(duration time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.cycles.WithLabelValues(result).Inc()
	c.cycleLatency.Observe(duration.Seconds())
}

// RecordEligible 記錄本輪各優先組的可執行任務數
func (c *Collector) RecordEligible(failover, misfired, ready int) {
	if c == nil {
		return
	}
	c.eligible.WithLabelValues("failover").Set(float64(failover))
	c.eligible.WithLabelValues("misfired").Set(float64(misfired))
	c.eligible.WithLabelValues("ready").Set(float64(ready))
}

// RecordTrigger 記錄 cron 觸發結果
func (c *Collector) RecordTrigger(outcome string) {
	if c == nil {
		return
	}
	c.triggers.WithLabelValues(outcome).Inc()
}

// RecordLaunch 記錄啟動的任務
func (c *Collector) RecordLaunch(executionType string) {
	if c == nil {
		return
	}
	c.launched.WithLabelValues(executionType).Inc()
}

// RecordStatus 記錄任務狀態回報
func (c *Collector) RecordStatus(state string) {
	if c == nil {
		return
	}
	c.statuses.WithLabelValues(state).Inc()
}

// SetRunning 設定執行中任務數
func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.running.Set(float64(n))
}

// SetAgents 設定可用執行節點數
func (c *Collector) SetAgents(n int) {
	if c == nil {
		return
	}
	c.agents.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// Handler /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

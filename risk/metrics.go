package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	metricKillSwitch     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_kill_switch_active", Help: "1 when the kill-switch has latched, 0 otherwise"})
	metricDailyDrawdown  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_daily_drawdown_pct", Help: "Drawdown from today's equity high, as a fraction"})
	metricEquity         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_total_equity_usd", Help: "Latest total account equity"})
	metricDailyMaxEquity = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_daily_max_equity_usd", Help: "Highest equity seen this UTC day"})
	metricExposure       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_exposure_pct", Help: "Open position value as a fraction of equity"})
	metricOrdersBlocked  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_orders_blocked_total", Help: "Orders blocked by a risk check"})
	metricKillTriggers   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_kill_switch_triggers_total", Help: "Times the kill-switch has latched"})
)

func init() {
	prometheus.MustRegister(
		metricKillSwitch, metricDailyDrawdown, metricEquity,
		metricDailyMaxEquity, metricExposure, metricOrdersBlocked,
		metricKillTriggers,
	)
	metricKillSwitch.Set(0)
}

package report

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/llm"
	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/prompts"
	"github.com/Kocoro-lab/reportgen/internal/util"
)

const chartSnippet = "``` custom_html\n" +
	"<div id=\"%[1]s\" class=\"chart-container\" style=\"width:800px; height:600px; \"></div>\n" +
	"<script>\n" +
	"var chartDom = document.getElementById('%[1]s');\n" +
	"var myChart = echarts.init(chartDom);\n" +
	"var option;\n\n" +
	"chartDom.style.display = 'block';\n\n" +
	"option = %[2]s;\n\n" +
	"myChart.setOption(option);\n" +
	"</script>\n" +
	"```"

// ChartRenderer turns a <Chart> request into an embeddable ECharts snippet.
type ChartRenderer struct {
	client  llm.Client
	prompts *prompts.Registry
	now     func() time.Time
	logger  *zap.Logger
}

// NewChartRenderer builds a renderer. now stamps the element id; nil means time.Now.
func NewChartRenderer(client llm.Client, reg *prompts.Registry, now func() time.Time, logger *zap.Logger) *ChartRenderer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartRenderer{client: client, prompts: reg, now: now, logger: logger}
}

// Render asks the report model for a chart option and wraps it in HTML. A
// prompt that fails to render is returned as an error; model failures and
// replies without a schema yield "".
func (c *ChartRenderer) Render(ctx context.Context, above, description, reference string) (string, error) {
	msgs, err := c.prompts.Apply("generate/chart", map[string]any{
		"above":       above,
		"description": description,
		"reference":   reference,
	})
	if err != nil {
		metrics.ToolBlocks.WithLabelValues("Chart", "error").Inc()
		return "", fmt.Errorf("render chart prompt: %w", err)
	}
	text, err := c.client.Complete(ctx, llm.RoleReport, msgs)
	if err != nil {
		c.logger.Warn("Chart generation failed", zap.Error(err))
		metrics.ToolBlocks.WithLabelValues("Chart", "error").Inc()
		return "", nil
	}

	text = util.StripThinking(text)
	schema := util.FirstTagContent(text, "input_schema")
	if schema == "" {
		schema = util.FirstTagContent(text, "echarts")
	}
	if schema == "" {
		metrics.ToolBlocks.WithLabelValues("Chart", "empty").Inc()
		return "", nil
	}
	metrics.ToolBlocks.WithLabelValues("Chart", "ok").Inc()
	id := strconv.FormatInt(c.now().UnixMilli(), 10)
	return fmt.Sprintf(chartSnippet, id, schema), nil
}

// Package output renders run progress and results: a console summary, a
// JSON document and a Prometheus collector.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
	"github.com/wesleyorama2/stampede/internal/performance/threshold"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA" // Move cursor up N lines
	clearLine = "\033[2K"  // Clear entire line
)

const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"

	markPass = "✓"
	markFail = "✗"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	Iterations    int64
	CurrentRPS    float64
	TotalRequests int64
	ErrorRate     float64
	LatencyP95    time.Duration
	LatencyAvg    time.Duration

	CurrentStage int // 1-indexed
	StageName    string
	TotalStages  int
	State        string
}

// ConsoleOutput writes live progress and the final summary.
type ConsoleOutput struct {
	testName  string
	writer    io.Writer
	isTTY     bool
	useColors bool
	quiet     bool

	mu          sync.Mutex
	linesOutput int // Number of lines in the live display
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName string
	Writer   io.Writer
	Quiet    bool
	NoColor  bool

	// ForceColors and ForceTTY override terminal detection.
	ForceColors bool
	ForceTTY    bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())
	if config.NoColor {
		useColors = false
	}

	return &ConsoleOutput{
		testName:  config.TestName,
		writer:    config.Writer,
		isTTY:     isTTY,
		useColors: useColors,
		quiet:     config.Quiet,
	}
}

// supportsColors checks the environment for color hints.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run header.
func (c *ConsoleOutput) PrintHeader(runID string, totalDuration time.Duration, stages int) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln(c.colorize(fmt.Sprintf("%s - Running", c.testName), color.Bold))
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln(fmt.Sprintf("Run ID:   %s", c.colorize(runID, color.Faint)))
	c.writeln(fmt.Sprintf("Schedule: %d stages, %s", stages, formatDuration(totalDuration)))
	c.writeln("")
}

// Update redraws the live display on a terminal, or prints one progress
// line otherwise.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet {
		return
	}
	if !c.isTTY {
		c.PrintNonInteractiveUpdate(stats)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the previous live display. Callers hold mu.
func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colorize(progressBar, color.FgGreen),
		c.colorize(fmt.Sprintf("%.0f%%", stats.Progress*100), color.Bold),
		c.colorize(timeInfo, color.Faint)))

	stage := fmt.Sprintf("%d/%d", stats.CurrentStage, stats.TotalStages)
	if stats.StageName != "" {
		stage = fmt.Sprintf("%s (%s)", stats.StageName, stage)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s  %s", c.colorize(stage, color.FgMagenta), c.colorize(stats.State, color.Faint)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colorize(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight, color.Faint))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colorize(fmt.Sprintf("%d", stats.ActiveVUs), color.FgCyan), stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", c.colorize(humanize.Comma(stats.TotalRequests), color.FgCyan))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	rpsStr := fmt.Sprintf("RPS:     %s", c.colorize(fmt.Sprintf("%.1f", stats.CurrentRPS), color.FgGreen))
	errStr := fmt.Sprintf("Failed:      %s", c.colorize(fmt.Sprintf("%.2f%%", stats.ErrorRate*100), errorColor(stats.ErrorRate)))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", c.colorize(formatDurationShort(stats.LatencyP95), color.FgBlue))
	avgStr := fmt.Sprintf("Avg:         %s", c.colorize(formatDurationShort(stats.LatencyAvg), color.FgBlue))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, c.colorize(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight, color.Faint))
	return lines
}

func errorColor(rate float64) color.Attribute {
	switch {
	case rate > 0.05:
		return color.FgRed
	case rate > 0.01:
		return color.FgYellow
	default:
		return color.FgGreen
	}
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2 // 4 = 2 borders + 2 padding

	leftPadding := max(colWidth-visibleLen(left), 0)
	rightPadding := max(colWidth-visibleLen(right), 0)

	return fmt.Sprintf("%s %s%s%s %s%s %s",
		c.colorize(boxVertical, color.Faint),
		left, strings.Repeat(" ", leftPadding),
		c.colorize(boxVertical, color.Faint),
		right, strings.Repeat(" ", rightPadding),
		c.colorize(boxVertical, color.Faint))
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintNonInteractiveUpdate prints a one-line status update. Used when
// output is not a TTY (e.g., piped to a file or CI/CD).
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] %s | Progress: %.0f%% | VUs: %d/%d | Iters: %s | Reqs: %s | RPS: %.1f | Failed: %.2f%% | P95: %s",
		formatDuration(stats.Elapsed),
		stats.State,
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TargetVUs,
		humanize.Comma(stats.Iterations),
		humanize.Comma(stats.TotalRequests),
		stats.CurrentRPS,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final summary.
func (c *ConsoleOutput) PrintSummary(result *engine.Result) {
	if c.quiet {
		if result.Passed {
			c.writeln(c.colorize("PASSED", color.FgGreen))
		} else {
			c.writeln(c.colorize("FAILED", color.FgRed))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status, statusColor := "Completed "+markPass, color.FgGreen
	switch {
	case result.Aborted:
		status, statusColor = "Aborted "+markFail, color.FgRed
	case !result.Passed:
		status, statusColor = "Failed "+markFail, color.FgRed
	}

	name := result.Name
	if name == "" {
		name = c.testName
	}

	c.writeln("")
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln(fmt.Sprintf("%s - %s", c.colorize(name, color.Bold), c.colorize(status, statusColor)))
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln("")

	seconds := result.Duration.Seconds()
	c.writeln(fmt.Sprintf("Duration:      %s", c.colorize(formatDuration(result.Duration), color.FgCyan)))
	c.writeln(fmt.Sprintf("Iterations:    %s (%s/s)", c.colorize(humanize.Comma(result.Iterations), color.FgCyan), perSecond(result.Iterations, seconds)))
	if result.IterationPanics > 0 {
		c.writeln(fmt.Sprintf("Panics:        %s", c.colorize(humanize.Comma(result.IterationPanics), color.FgRed)))
	}
	if result.Aborted {
		c.writeln(fmt.Sprintf("Abort reason:  %s", c.colorize(result.AbortReason, color.FgRed)))
	}
	if len(result.Scenarios) > 0 {
		c.writeln(fmt.Sprintf("Scenarios:     %s", formatScenarioMix(result.Scenarios, result.Iterations)))
	}
	c.writeln("")

	if names := result.FinalSnapshot.Names(); len(names) > 0 {
		c.writeln(c.colorize("Metrics:", color.Bold))
		width := 0
		for _, n := range names {
			width = max(width, len(n))
		}
		for _, n := range names {
			stats, _ := result.FinalSnapshot.Get(n)
			dots := strings.Repeat(".", width-len(n)+3)
			c.writeln(fmt.Sprintf("  %s%s: %s", n, c.colorize(dots, color.Faint), c.formatStats(stats, seconds)))
		}
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colorize("Thresholds:", color.Bold))
		for _, t := range result.Thresholds {
			c.writeln("  " + c.formatThreshold(t))
		}
		c.writeln("")
	}
}

// formatStats renders one metric line in the style of k6's summary.
func (c *ConsoleOutput) formatStats(s metrics.MetricStats, seconds float64) string {
	if !s.HasData {
		return c.colorize("no data", color.Faint)
	}

	if s.Kind == metrics.KindRate {
		return fmt.Sprintf("%s %s %s %s %s",
			c.colorize(fmt.Sprintf("%.2f%%", s.Rate*100), color.FgCyan),
			c.colorize(markPass, color.FgGreen), humanize.Comma(s.Passes),
			c.colorize(markFail, color.FgRed), humanize.Comma(s.Fails))
	}

	format := formatValue
	if strings.HasSuffix(s.Name, "_duration") {
		format = func(ms float64) string { return formatDurationShort(msToDuration(ms)) }
	}

	parts := []string{fmt.Sprintf("count=%s", humanize.Comma(s.Count))}
	if s.Name == metrics.HTTPReqs {
		parts = append(parts, fmt.Sprintf("rate=%s/s", perSecond(s.Count, seconds)))
	}
	parts = append(parts,
		fmt.Sprintf("avg=%s", format(s.Avg)),
		fmt.Sprintf("min=%s", format(s.Min)),
		fmt.Sprintf("med=%s", format(s.Med)),
		fmt.Sprintf("max=%s", format(s.Max)),
	)
	for _, key := range sortedPercentileKeys(s.Percentiles) {
		parts = append(parts, fmt.Sprintf("%s=%s", key, format(s.Percentiles[key])))
	}
	return strings.Join(parts, " ")
}

func (c *ConsoleOutput) formatThreshold(t threshold.Result) string {
	mark := c.colorize(markPass, color.FgGreen)
	if !t.Passed() {
		mark = c.colorize(markFail, color.FgRed)
	}

	actual := formatValue(t.Actual)
	switch t.Status {
	case threshold.StatusNoData, threshold.StatusUndetermined:
		actual = string(t.Status)
	}

	out := fmt.Sprintf("%s %s %s (actual: %s)", mark, t.Metric, t.Expression, actual)
	if t.Abort {
		out += c.colorize(" [abortOnFail]", color.Faint)
	}
	return out
}

// write writes to the output without a newline.
func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// colorize wraps text in color codes if colors are enabled.
func (c *ConsoleOutput) colorize(text string, attrs ...color.Attribute) string {
	if !c.useColors {
		return text
	}
	col := color.New(attrs...)
	col.EnableColor()
	return col.Sprint(text)
}

func formatScenarioMix(picks map[string]int64, total int64) string {
	names := make([]string, 0, len(picks))
	for name := range picks {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		share := 0.0
		if total > 0 {
			share = float64(picks[name]) / float64(total) * 100
		}
		parts = append(parts, fmt.Sprintf("%s %s (%.1f%%)", name, humanize.Comma(picks[name]), share))
	}
	return strings.Join(parts, " | ")
}

// sortedPercentileKeys orders "p(N)" keys by N.
func sortedPercentileKeys(ps map[string]float64) []string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return percentileOf(keys[i]) < percentileOf(keys[j])
	})
	return keys
}

func percentileOf(key string) float64 {
	var p float64
	_, _ = fmt.Sscanf(key, "p(%g)", &p)
	return p
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func formatValue(v float64) string {
	return humanize.FtoaWithDigits(v, 3)
}

func perSecond(n int64, seconds float64) string {
	if seconds <= 0 {
		return "0"
	}
	return humanize.FtoaWithDigits(float64(n)/seconds, 1)
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// visibleLen is the printed width of s, ignoring ANSI sequences.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\033':
			inEscape = true
		case inEscape:
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}

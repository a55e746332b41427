package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

var redactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sessionrag",
		Subsystem: "secrets",
		Name:      "redactions_total",
		Help:      "Total number of secrets redacted from outbound text",
	},
	[]string{"rule"},
)

// Options configure a Redactor.
type Options struct {
	// Enabled turns redaction on. A disabled Redactor returns input unchanged.
	Enabled bool
	// AllowlistFile is an optional TOML allowlist path.
	AllowlistFile string
	// Allowlist is merged with the file's patterns.
	Allowlist *Allowlist
}

// Finding is a detected secret.
type Finding struct {
	RuleID      string
	Description string
	Line        int
	// Secret is the matched value. It must not be logged.
	Secret string
}

// Summary counts the redactions made in one call.
type Summary struct {
	Total  int
	ByRule map[string]int
}

// detectorReuse bounds how many scans one pooled detector serves. A gitleaks
// detector keeps every finding it has reported.
const detectorReuse = 64

type pooledDetector struct {
	*detect.Detector
	scans int
}

// Redactor replaces detected secrets with markers. It is safe for
// concurrent use: each scan borrows its own detector from a pool.
type Redactor struct {
	enabled bool
	logger  *logging.Logger
	allow   *Allowlist

	detectors sync.Pool
}

// New builds a Redactor. Building a detector compiles the full gitleaks
// rule set, so one Redactor should be shared.
func New(opts Options, logger *logging.Logger) (*Redactor, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Redactor{enabled: opts.Enabled, logger: logger}
	if !opts.Enabled {
		return r, nil
	}

	allow, err := LoadAllowlist(opts.AllowlistFile)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	if opts.Allowlist != nil {
		allow.Regexes = append(allow.Regexes, opts.Allowlist.Regexes...)
		allow.StopWords = append(allow.StopWords, opts.Allowlist.StopWords...)
	}

	r.allow = allow

	detector, err := r.newDetector()
	if err != nil {
		return nil, err
	}
	r.detectors.Put(detector)

	logger.Info(context.Background(), "secret redaction enabled",
		zap.Int("allowlist_regexes", len(allow.Regexes)),
		zap.Int("allowlist_stopwords", len(allow.StopWords)))
	return r, nil
}

func (r *Redactor) newDetector() (*pooledDetector, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if err := r.allow.apply(&detector.Config); err != nil {
		return nil, err
	}
	return &pooledDetector{Detector: detector}, nil
}

func (r *Redactor) acquire() (*pooledDetector, error) {
	if d, ok := r.detectors.Get().(*pooledDetector); ok {
		return d, nil
	}
	return r.newDetector()
}

func (r *Redactor) release(d *pooledDetector) {
	d.scans++
	if d.scans < detectorReuse {
		r.detectors.Put(d)
	}
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Detect scans content without modifying it.
func (r *Redactor) Detect(content string) []Finding {
	if !r.enabled || content == "" {
		return nil
	}

	detector, err := r.acquire()
	if err != nil {
		r.logger.Error(context.Background(), "secret detector unavailable, text sent unscanned", zap.Error(err))
		return nil
	}
	found := detector.DetectString(content)
	r.release(detector)

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}
	return out
}

// Redact returns content with every detected secret replaced by a
// [REDACTED:<rule-id>] marker.
func (r *Redactor) Redact(ctx context.Context, content string) string {
	redacted, _ := r.RedactWithSummary(ctx, content)
	return redacted
}

// RedactWithSummary is Redact plus per-rule counts.
func (r *Redactor) RedactWithSummary(ctx context.Context, content string) (string, Summary) {
	findings := r.Detect(content)
	summary := Summary{ByRule: make(map[string]int)}
	if len(findings) == 0 {
		return content, summary
	}

	// Longest secrets first so a secret that contains another is replaced
	// whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	out := content
	for _, f := range findings {
		if !strings.Contains(out, f.Secret) {
			continue
		}
		out = strings.ReplaceAll(out, f.Secret, "[REDACTED:"+f.RuleID+"]")
		summary.Total++
		summary.ByRule[f.RuleID]++
		redactionsTotal.WithLabelValues(f.RuleID).Inc()
	}

	if summary.Total > 0 {
		rules := make([]string, 0, len(summary.ByRule))
		for rule := range summary.ByRule {
			rules = append(rules, rule)
		}
		sort.Strings(rules)
		r.logger.Info(ctx, "redacted secrets from outbound text",
			zap.Int("count", summary.Total),
			zap.Strings("rules", rules))
	}
	return out, summary
}

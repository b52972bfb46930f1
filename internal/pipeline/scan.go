package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/issuer"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// IssuerReport summarizes one issuer's part of a scan.
type IssuerReport struct {
	Name        string        `json:"name"`
	Findings    int           `json:"findings"`
	Recorded    int           `json:"recorded"`
	Created     int           `json:"created"`
	Throttled   int           `json:"throttled"`
	Suppressed  int           `json:"suppressed"`
	Whitelisted int           `json:"whitelisted"`
	Lost        int           `json:"lost"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// ScanReport summarizes a scan pass.
type ScanReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Issuers    []IssuerReport `json:"issuers"`
}

// Failed returns the names of issuers whose Detect failed.
func (r *ScanReport) Failed() []string {
	var out []string
	for _, ir := range r.Issuers {
		if ir.Error != "" {
			out = append(out, ir.Name)
		}
	}
	return out
}

// RunScan runs every enabled scan issuer in priority order and submits
// their findings. A failing or panicking issuer is recorded as a
// "<issuer>_error" issue and the batch continues. Overlapping calls return
// ErrScanInProgress.
func (d *Dispatcher) RunScan(ctx context.Context) (*ScanReport, error) {
	if !d.scanMu.TryLock() {
		return nil, ErrScanInProgress
	}
	defer d.scanMu.Unlock()

	report := &ScanReport{StartedAt: d.now().UTC()}
	for _, is := range d.deps.Issuers.Scanners() {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = d.now().UTC()
			return report, err
		}
		report.Issuers = append(report.Issuers, d.scanOne(ctx, is))
	}
	report.FinishedAt = d.now().UTC()

	d.logger.Info("scan finished",
		zap.Int("issuers", len(report.Issuers)),
		zap.Strings("failed", report.Failed()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// RunIssuer runs a single scan issuer by name, regardless of schedule.
func (d *Dispatcher) RunIssuer(ctx context.Context, name string) (*IssuerReport, error) {
	is, ok := d.deps.Issuers.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", issuer.ErrUnknownIssuer, name)
	}
	if !is.Kind().Scans() {
		return nil, fmt.Errorf("issuer %s does not scan", name)
	}
	ir := d.scanOne(ctx, is)
	return &ir, nil
}

func (d *Dispatcher) scanOne(ctx context.Context, is issuer.Issuer) IssuerReport {
	ir := IssuerReport{Name: is.Name()}
	start := time.Now()

	findings, err := d.detect(ctx, is)
	ir.Duration = time.Since(start)
	metrics.ScanDuration.WithLabelValues(is.Name()).Observe(ir.Duration.Seconds())

	if err != nil {
		ir.Error = err.Error()
		d.stats.DetectorErrors.Add(1)
		metrics.DetectorErrors.WithLabelValues(is.Name()).Inc()
		d.logger.Error("issuer detect failed", zap.String("issuer", is.Name()), zap.Error(err))
		// Findings returned alongside the error are still submitted.
		findings = append(findings, d.errorFinding(is.Name(), err))
	}

	ir.Findings = len(findings)
	for _, f := range findings {
		res, err := d.Submit(ctx, f)
		if err != nil {
			ir.Lost++
			continue
		}
		switch res.Outcome {
		case OutcomeRecorded:
			ir.Recorded++
			if res.Created {
				ir.Created++
			}
		case OutcomeThrottled:
			ir.Throttled++
		case OutcomeSuppressed:
			ir.Suppressed++
		case OutcomeWhitelisted:
			ir.Whitelisted++
		}
	}
	return ir
}

func (d *Dispatcher) detect(ctx context.Context, is issuer.Issuer) (findings []*models.RawFinding, err error) {
	if d.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ScanTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("issuer panicked",
				zap.String("issuer", is.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return is.Detect(ctx)
}

// errorFinding is the self-reporting finding for a failed issuer. All
// failures of one issuer share one issue; the latest message is kept in
// metadata.
func (d *Dispatcher) errorFinding(name string, err error) *models.RawFinding {
	f := models.NewFinding(name, name+"_error", models.SeverityLow, fmt.Sprintf("Issuer %s failed", name))
	f.DetectedAt = d.now().UTC()
	f.Description = err.Error()
	f.Identity = []string{name}
	f.SetMeta("error", err.Error())
	return f
}

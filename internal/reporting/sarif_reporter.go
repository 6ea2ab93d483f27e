// internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
	"github.com/xkilldash9x/flagrunner/internal/agent"
	"github.com/xkilldash9x/flagrunner/internal/observability"
	"github.com/xkilldash9x/flagrunner/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "flagrunner"
	ToolInfoURI  = "https://github.com/xkilldash9x/flagrunner"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	fingerprintKey = "findingBody/v1"
)

// ruleDef is the fixed rule a finding kind maps to.
type ruleDef struct {
	ID          string
	Name        string
	Description string
	Level       sarif.Level
}

var rulesByKind = map[schemas.FindingKind]ruleDef{
	schemas.KindDiscovery: {
		ID:          "FR-DISCOVERY",
		Name:        "Discovery",
		Description: "Something observed about the target, such as an endpoint, parameter or technology.",
		Level:       sarif.LevelNote,
	},
	schemas.KindVulnerabilitySignal: {
		ID:          "FR-VULN",
		Name:        "VulnerabilitySignal",
		Description: "A labelled weakness reported by the executor.",
		Level:       sarif.LevelWarning,
	},
	schemas.KindFlagCapture: {
		ID:          "FR-FLAG",
		Name:        "FlagCapture",
		Description: "The success token was observed in a response.",
		Level:       sarif.LevelError,
	},
}

// ruleFor falls back to the discovery rule for unknown kinds.
func ruleFor(kind schemas.FindingKind) ruleDef {
	if def, ok := rulesByKind[kind]; ok {
		return def
	}
	return rulesByKind[schemas.KindDiscovery]
}

// fingerprint identifies a finding across runs by its normalized body.
func fingerprint(f schemas.Finding) string {
	h := sha1.Sum([]byte(string(f.Kind) + "\x00" + f.Body))
	return hex.EncodeToString(h[:])
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// It is thread safe.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the rule set.
	mu    sync.Mutex
	rules map[string]bool
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	logger := observability.GetLogger().Named("sarif_reporter")
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty slices, not nil, so they encode as [].
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer: writer,
		logger: logger,
		log:    log,
		rules:  make(map[string]bool),
	}
}

// Write adds one invocation and a result per finding.
func (r *SARIFReporter) Write(report *agent.RunReport) error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	run.Invocations = append(run.Invocations, &sarif.Invocation{
		ExecutionSuccessful: report.Outcome != agent.OutcomeInterrupted,
		StartTimeUTC:        pString(report.StartedAt.UTC().Format(time.RFC3339)),
		EndTimeUTC:          pString(report.FinishedAt.UTC().Format(time.RFC3339)),
		Properties: &sarif.PropertyBag{
			"runId":      report.RunID,
			"goal":       report.Goal,
			"outcome":    string(report.Outcome),
			"iterations": report.Iterations,
		},
	})

	target := report.FinalState.Get(agent.KeyTargetBase)
	for _, finding := range report.Findings {
		def := r.ensureRule(finding.Kind)
		run.Results = append(run.Results, &sarif.Result{
			RuleID:              def.ID,
			Message:             &sarif.Message{Text: pString(finding.Body)},
			Level:               def.Level,
			Locations:           createLocations(target, finding),
			PartialFingerprints: map[string]string{fingerprintKey: fingerprint(finding)},
			Properties: &sarif.PropertyBag{
				"runId": report.RunID,
				"step":  finding.Step,
			},
		})
	}

	if len(report.Findings) > 0 {
		r.logger.Debug("Wrote findings to SARIF buffer",
			zap.Int("findings_count", len(report.Findings)),
			zap.Duration("duration_ms", time.Since(startTime)),
		)
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

// ensureRule registers the rule for kind on first use and returns it.
// Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(kind schemas.FindingKind) ruleDef {
	def := ruleFor(kind)
	if r.rules[def.ID] {
		return def
	}
	r.rules[def.ID] = true
	r.logger.Debug("Registering SARIF rule", zap.String("rule_id", def.ID))

	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:                   def.ID,
		Name:                 pString(def.Name),
		ShortDescription:     &sarif.MultiformatMessageString{Text: pString(def.Name)},
		FullDescription:      &sarif.MultiformatMessageString{Text: pString(def.Description)},
		DefaultConfiguration: &sarif.Configuration{Level: def.Level},
		Properties: &sarif.PropertyBag{
			"tags": []string{"security", "flagrunner"},
		},
	})
	return def
}

// createLocations points the result at the target base when one is known.
func createLocations(target string, finding schemas.Finding) []*sarif.Location {
	if target == "" {
		return nil
	}
	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(target)},
		},
		Message: &sarif.Message{Text: pString(fmt.Sprintf("Observed at step %d", finding.Step))},
	}}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}

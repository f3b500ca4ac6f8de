package sentinel

import (
	"context"
	"encoding/json"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/psalmprax/ettametta/config"
	"github.com/psalmprax/ettametta/log"
)

// AuditEvent is one entry in the bounded security log ring.
type AuditEvent struct {
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Details   map[string]interface{} `json:"details"`
}

// AuditReport is the periodically recomputed integrity score.
type AuditReport struct {
	Score     int      `json:"score"`
	Findings  []string `json:"findings"`
	Timestamp string   `json:"timestamp"`
}

// Auditor computes the integrity score and maintains the event ring in the
// shared cache so dashboards can read it without touching the engine.
type Auditor struct {
	cache      redis.UniversalClient
	secretKey  string
	envPath    string
	outputsDir string
}

func NewAuditor(cache redis.UniversalClient, secrets config.SecretResolver, outputsDir string) *Auditor {
	return &Auditor{
		cache:      cache,
		secretKey:  secrets.Resolve(config.SecretLocalURLSignKey),
		envPath:    ".env",
		outputsDir: outputsDir,
	}
}

// LogEvent left-pushes onto the ring and trims it to the cap.
func (a *Auditor) LogEvent(ctx context.Context, eventType, severity string, details map[string]interface{}) {
	if a.cache == nil {
		return
	}
	event := AuditEvent{
		Timestamp: config.Clock.GetTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		Type:      eventType,
		Severity:  severity,
		Details:   details,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	pipe := a.cache.Pipeline()
	pipe.LPush(ctx, config.SecurityLogsKey, raw)
	pipe.LTrim(ctx, config.SecurityLogsKey, 0, config.SecurityLogsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.LogNoJobID("failed to write audit event", "type", eventType, "err", err.Error())
	}
}

// Audit recomputes the integrity score, stores the report under the health
// key and appends a ring entry.
func (a *Auditor) Audit(ctx context.Context) error {
	findings := []string{}
	score := 100

	if a.secretKey == "" || a.secretKey == "dev_secret_key_change_me_in_production" {
		findings = append(findings, "CRITICAL: default or missing URL signing key.")
		score -= 50
	}

	if info, err := os.Stat(a.envPath); err == nil {
		mode := info.Mode().Perm()
		if mode != 0600 && mode != 0400 && os.Getenv("ENV") == "production" {
			findings = append(findings, "WARNING: .env has permissive file mode.")
			score -= 10
		}
	}

	if a.outputsDir != "" {
		if err := os.MkdirAll(a.outputsDir, 0755); err != nil {
			findings = append(findings, "CRITICAL: outputs directory is not writable.")
			score -= 25
		}
	}

	if score < 0 {
		score = 0
	}
	report := AuditReport{
		Score:     score,
		Findings:  findings,
		Timestamp: config.Clock.GetTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}

	if a.cache != nil {
		raw, err := json.Marshal(report)
		if err != nil {
			return err
		}
		if err := a.cache.Set(ctx, config.SecurityHealthKey, raw, 0).Err(); err != nil {
			return err
		}
	}

	a.LogEvent(ctx, "SCHEDULED_AUDIT", "info", map[string]interface{}{
		"score":          report.Score,
		"findings_count": len(report.Findings),
	})
	log.LogNoJobID("security audit complete", "score", report.Score, "findings", len(report.Findings))
	return nil
}

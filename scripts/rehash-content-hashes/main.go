// Command rehash-content-hashes recomputes the per-workflow decision hash
// chains and rewrites any stored content_hash that no longer matches. Run
// it after a fix to the canonical hash encoding, or after a partial restore
// leaves chains broken.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes
//
// Decisions are read in log order per workflow and each chain is rebuilt
// from its first entry, so one corrected hash also corrects every hash
// chained after it. Safe to run multiple times. Once all chains verify, it
// reports 0 updates and exits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/arbiterhq/arbiter/internal/integrity"
	"github.com/arbiterhq/arbiter/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT decision_id, workflow_id, tenant_id, outcome, confidence, reason_codes,
		        risk_summary, jurisdiction, pack_id, pack_version, decided_by, service_version,
		        is_override, actor_id, supersedes_decision_id, subject_type, subject_id,
		        subject_action, correlation_id, cause_event_id, content_hash, ts
		 FROM decisions
		 ORDER BY workflow_id, seq`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		decisionID string
		expected   string
	}

	var (
		stale     []staleRow
		total     int
		workflows int
		prevWF    string
		prevHash  string
	)
	for rows.Next() {
		var (
			d           model.Decision
			reasonCodes string
			riskSummary string
		)
		if err := rows.Scan(&d.DecisionID, &d.WorkflowID, &d.TenantID, &d.Outcome, &d.Confidence,
			&reasonCodes, &riskSummary, &d.Policy.Jurisdiction, &d.Policy.PackID,
			&d.Policy.PackVersion, &d.Authority.DecidedBy, &d.Authority.ServiceVersion,
			&d.Authority.IsOverride, &d.Authority.ActorID, &d.Lineage.SupersedesDecisionID,
			&d.Subject.SubjectType, &d.Subject.SubjectID, &d.Subject.Action, &d.CorrelationID,
			&d.CauseEventID, &d.ContentHash, &d.Timestamp); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if reasonCodes != "" {
			if err := json.Unmarshal([]byte(reasonCodes), &d.ReasonCodes); err != nil {
				return fmt.Errorf("decode reason codes for %s: %w", d.DecisionID, err)
			}
		}
		if riskSummary != "" {
			d.RiskSummary = json.RawMessage(riskSummary)
		}

		// Rows arrive grouped by workflow; each new workflow restarts the chain.
		if d.WorkflowID != prevWF {
			prevWF = d.WorkflowID
			prevHash = ""
			workflows++
		}
		total++

		expected := integrity.ComputeContentHash(prevHash, d)
		if d.ContentHash != expected {
			stale = append(stale, staleRow{decisionID: d.DecisionID, expected: expected})
		}
		// Chain from the recomputed hash: later entries must commit to the
		// corrected value, not to whatever is currently stored.
		prevHash = expected
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d decisions in %d workflows, %d have stale hashes\n", total, workflows, len(stale))

	if len(stale) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	updated := 0
	for _, r := range stale {
		tag, err := pool.Exec(ctx,
			`UPDATE decisions SET content_hash = $1 WHERE decision_id = $2`,
			r.expected, r.decisionID)
		if err != nil {
			log.Printf("update %s: %v", r.decisionID, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d stale hashes\n", updated, len(stale))
	return nil
}

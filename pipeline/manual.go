package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/sourcesync/contentcache"
	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/source"
)

// ManualPayload is content supplied by an operator instead of fetched.
type ManualPayload struct {
	Key        source.Key `json:"key"`
	AccountID  string     `json:"account_id,omitempty"`
	Payload    []byte     `json:"payload"`
	CapturedAt time.Time  `json:"captured_at,omitempty"`
}

// BulkResult summarises ImportBulk.
type BulkResult struct {
	Stored   int `json:"stored"`
	Failed   int `json:"failed"`
	Recorded int `json:"recorded"`
	// NewStructures lists fingerprints seen for the first time.
	NewStructures []string `json:"new_structures,omitempty"`
}

// RecordManual stores m with the manual flag, then parses, fingerprints and
// audits it like a fetched page.
func (p *Processor) RecordManual(ctx context.Context, m ManualPayload) (*PageOutcome, error) {
	out, att, err := p.manual(ctx, m, source.TriggerManual)
	// Dropped on purpose: the ledger logs its own failures.
	if r := p.ledger.Record(context.WithoutCancel(ctx), att); r.OK() {
		out.AttemptID = r.ID
	}
	return out, err
}

// ImportBulk records many manual payloads. Items are processed in order and
// their attempts are written as one sequential batch with trigger bulk.
func (p *Processor) ImportBulk(ctx context.Context, items []ManualPayload) (*BulkResult, error) {
	res := &BulkResult{}
	attempts := make([]*ledger.Attempt, 0, len(items))
	for _, m := range items {
		if err := ctx.Err(); err != nil {
			res.Recorded = p.ledger.RecordBatch(context.WithoutCancel(ctx), attempts)
			return res, err
		}
		out, att, err := p.manual(ctx, m, source.TriggerBulk)
		attempts = append(attempts, att)
		if err != nil {
			res.Failed++
			continue
		}
		res.Stored++
		if out.NewStructure {
			res.NewStructures = append(res.NewStructures, out.Fingerprint)
		}
	}
	res.Recorded = p.ledger.RecordBatch(context.WithoutCancel(ctx), attempts)
	p.logger.Info("pipeline: bulk import", "stored", res.Stored, "failed", res.Failed, "recorded", res.Recorded)
	return res, nil
}

func (p *Processor) manual(ctx context.Context, m ManualPayload, trigger source.Trigger) (*PageOutcome, *ledger.Attempt, error) {
	start := time.Now()
	out := &PageOutcome{URL: m.Key.URL}
	att := &ledger.Attempt{
		URL:       m.Key.URL,
		AccountID: m.AccountID,
		SourceID:  m.Key.Secondary,
		Trigger:   trigger,
	}

	var err error
	if len(m.Payload) == 0 {
		err = errors.New("parse: empty manual payload")
	} else {
		var sr *contentcache.StoreResult
		sr, err = p.cache.Store(ctx, contentcache.StoreRequest{
			Key:        m.Key,
			Payload:    m.Payload,
			Manual:     true,
			CapturedAt: m.CapturedAt,
		})
		if err == nil {
			out.Record, out.Changed = sr.Record, sr.Changed
			err = p.analyse(ctx, m.Payload, out, att)
		}
	}

	out.Duration = time.Since(start)
	att.DurationMs = out.Duration.Milliseconds()
	if err != nil {
		out.Status = ledger.StatusFailed
		out.Category = categorize(err)
		att.Status, att.Error, att.ErrorCategory = ledger.StatusFailed, err.Error(), out.Category
		p.logger.Warn("pipeline: manual payload failed", "url", m.Key.URL, "category", out.Category, "error", err)
		return out, att, err
	}
	out.Status, att.Status = ledger.StatusSuccess, ledger.StatusSuccess
	return out, att, nil
}

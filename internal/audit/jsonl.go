// Package audit persists the append-only trail of decisions, order events and
// position events. Stores are write-only from the engine's point of view.
package audit

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/types"
)

var _ interfaces.AuditStore = (*JSONL)(nil)

// JSONL appends one JSON object per line into daily files, one subdirectory
// per record kind.
type JSONL struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func NewJSONL(dir string) *JSONL {
	return &JSONL{dir: dir, now: time.Now}
}

type decisionRecord struct {
	Time      string              `json:"time"`
	Decision  *types.RiskDecision `json:"decision,omitempty"`
	Rejection *types.Rejection    `json:"rejection,omitempty"`
}

type orderRecord struct {
	Time  string      `json:"time"`
	Event string      `json:"event"`
	Order types.Order `json:"order"`
}

type positionRecord struct {
	Time     string                `json:"time"`
	Event    string                `json:"event"`
	Position *types.Position       `json:"position,omitempty"`
	Closed   *types.ClosedPosition `json:"closed,omitempty"`
}

func (j *JSONL) RecordDecision(_ context.Context, d *types.RiskDecision, rej *types.Rejection) error {
	return j.append("decisions", decisionRecord{Time: j.stamp(), Decision: d, Rejection: rej})
}

func (j *JSONL) RecordOrder(_ context.Context, event string, o types.Order) error {
	return j.append("orders", orderRecord{Time: j.stamp(), Event: event, Order: o})
}

func (j *JSONL) RecordPositionOpen(_ context.Context, p types.Position) error {
	return j.append("positions", positionRecord{Time: j.stamp(), Event: "open", Position: &p})
}

func (j *JSONL) RecordPositionClose(_ context.Context, c types.ClosedPosition) error {
	return j.append("positions", positionRecord{Time: j.stamp(), Event: "close", Closed: &c})
}

func (j *JSONL) Close() error { return nil }

func (j *JSONL) stamp() string {
	return j.now().UTC().Format("2006-01-02 15:04:05")
}

func (j *JSONL) append(kind string, v any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	day := j.now().UTC().Format("2006-01-02")
	p := filepath.Join(j.dir, kind, day+".jsonl")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// CompressOlder gzips daily files older than retentionDays and removes the
// originals. Safe to call repeatedly.
func (j *JSONL) CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := j.now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(j.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".jsonl" {
			return nil
		}
		info, er := os.Stat(p)
		if er != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		gz := p + ".gz"
		if _, e := os.Stat(gz); e == nil {
			return os.Remove(p)
		}
		in, e := os.Open(p)
		if e != nil {
			return nil
		}
		defer in.Close()
		out, e := os.OpenFile(gz, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if e != nil {
			return nil
		}
		gw := gzip.NewWriter(out)
		if _, e := io.Copy(gw, in); e != nil {
			_ = gw.Close()
			_ = out.Close()
			return nil
		}
		_ = gw.Close()
		_ = out.Close()
		return os.Remove(p)
	})
}

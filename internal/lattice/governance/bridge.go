package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/latticehq/lattice/common/retry"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/intent"
)

// BridgeConfig tunes the governance bridge.
type BridgeConfig struct {
	// SyncInterval is the label/comment poll cadence.
	SyncInterval time.Duration
	// ApproveLabel and RejectLabel are the authoritative decision labels.
	ApproveLabel string
	RejectLabel  string
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 60 * time.Second
	}
	if c.ApproveLabel == "" {
		c.ApproveLabel = "lattice:approved"
	}
	if c.RejectLabel == "" {
		c.RejectLabel = "lattice:rejected"
	}
	return c
}

// Bridge mirrors awaiting-approval intents to tracker issues and syncs
// decisions back. It never mutates frozen intent fields; all writes go
// through the pipeline and the mutable metadata surface.
type Bridge struct {
	cfg      BridgeConfig
	tracker  Tracker
	pipeline *intent.Pipeline
	bus      *bus.Bus
	logger   *slog.Logger

	mu sync.Mutex
	// issueByIntent maps intent id to tracker issue number.
	issueByIntent map[string]int
	// commentCount tracks how many comments were already captured per issue.
	commentCount map[int]int
}

// NewBridge builds a Bridge.
func NewBridge(cfg BridgeConfig, tracker Tracker, pipeline *intent.Pipeline, b *bus.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:           cfg.withDefaults(),
		tracker:       tracker,
		pipeline:      pipeline,
		bus:           b,
		logger:        logger,
		issueByIntent: make(map[string]int),
		commentCount:  make(map[int]int),
	}
}

// Run subscribes to the intent firehose and starts the periodic sync.
// Blocks until ctx is canceled.
func (br *Bridge) Run(ctx context.Context) {
	sub := br.bus.Subscribe(bus.TopicIntentsAll)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(br.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.C:
			if !ok {
				return
			}
			msg, isMsg := raw.(intent.Message)
			if !isMsg {
				continue
			}
			br.handleMessage(ctx, msg)
		case <-ticker.C:
			br.Sync(ctx)
		}
	}
}

func (br *Bridge) handleMessage(ctx context.Context, msg intent.Message) {
	switch msg.Name {
	case intent.MsgForState(intent.StateAwaitingApproval):
		br.openIssue(ctx, msg.Intent)
	case intent.MsgForState(intent.StateCompleted),
		intent.MsgForState(intent.StateFailed),
		intent.MsgForState(intent.StateRejected),
		intent.MsgForState(intent.StateCanceled):
		br.closeIssue(ctx, msg.Intent)
	}
}

// openIssue creates the tracker issue for a newly queued intent.
func (br *Bridge) openIssue(ctx context.Context, in *intent.Intent) {
	br.mu.Lock()
	_, exists := br.issueByIntent[in.ID]
	br.mu.Unlock()
	if exists {
		return
	}

	title := fmt.Sprintf("[%s] approval requested: %s", in.Classification, in.Summary)
	number, err := br.tracker.CreateIssue(ctx, title, renderIssueBody(in, br.cfg.ApproveLabel, br.cfg.RejectLabel),
		[]string{"lattice:awaiting-approval"})
	if err != nil {
		br.logger.Warn("governance issue create failed", "intent_id", in.ID, "error", err)
		return
	}

	br.mu.Lock()
	br.issueByIntent[in.ID] = number
	br.mu.Unlock()

	_, err = br.pipeline.Store().Update(ctx, in.ID, intent.Patch{
		MetadataSet: map[string]any{"governance_issue": number},
	})
	if err != nil {
		br.logger.Warn("governance issue link failed", "intent_id", in.ID, "error", err)
	}
	br.logger.Info("governance issue opened", "intent_id", in.ID, "issue", number)
}

// Sync polls the tracker for every awaiting-approval intent with a linked
// issue. The tracker's labels are authoritative over the local transition;
// once the intent is past awaiting_approval the sync is a no-op.
func (br *Bridge) Sync(ctx context.Context) {
	waiting := br.pipeline.Store().List(intent.Filter{State: intent.StateAwaitingApproval})
	for _, in := range waiting {
		number := br.issueNumber(in)
		if number == 0 {
			continue
		}

		var issue Issue
		err := retry.Do(ctx, retry.DefaultConfig, func() error {
			var getErr error
			issue, getErr = br.tracker.GetIssue(ctx, number)
			return getErr
		})
		if err != nil {
			br.logger.Warn("governance issue fetch failed", "issue", number, "error", err)
			continue
		}

		br.captureComments(ctx, in.ID, issue)

		switch {
		case hasLabel(issue.Labels, br.cfg.ApproveLabel):
			if _, err := br.pipeline.Approve(ctx, in.ID, "human", "approved via governance issue"); err != nil {
				br.logger.Warn("governance approve failed", "intent_id", in.ID, "error", err)
			}
		case hasLabel(issue.Labels, br.cfg.RejectLabel):
			if _, err := br.pipeline.Reject(ctx, in.ID, "human", "rejected via governance issue"); err != nil {
				br.logger.Warn("governance reject failed", "intent_id", in.ID, "error", err)
			}
		}
	}
}

// captureComments mirrors new issue comments into intent metadata.
func (br *Bridge) captureComments(ctx context.Context, intentID string, issue Issue) {
	br.mu.Lock()
	seen := br.commentCount[issue.Number]
	br.mu.Unlock()
	if len(issue.Comments) <= seen {
		return
	}

	comments := make([]any, 0, len(issue.Comments))
	for _, c := range issue.Comments {
		comments = append(comments, map[string]any{
			"author":     c.Author,
			"body":       c.Body,
			"created_at": c.CreatedAt,
		})
	}
	_, err := br.pipeline.Store().Update(ctx, intentID, intent.Patch{
		MetadataSet: map[string]any{"github_comments": comments},
	})
	if err != nil {
		br.logger.Warn("comment capture failed", "intent_id", intentID, "error", err)
		return
	}
	br.mu.Lock()
	br.commentCount[issue.Number] = len(issue.Comments)
	br.mu.Unlock()
}

// closeIssue posts the outcome and closes the tracker issue on terminal
// transitions.
func (br *Bridge) closeIssue(ctx context.Context, in *intent.Intent) {
	number := br.issueNumber(in)
	if number == 0 {
		return
	}

	body := renderOutcomeComment(in)
	if err := br.tracker.CreateComment(ctx, number, body); err != nil {
		br.logger.Warn("outcome comment failed", "issue", number, "error", err)
	}
	if in.State == intent.StateRejected {
		if err := br.tracker.AddLabel(ctx, number, br.cfg.RejectLabel); err != nil {
			br.logger.Warn("rejection label failed", "issue", number, "error", err)
		}
	}
	if err := br.tracker.UpdateIssue(ctx, number, "closed"); err != nil {
		br.logger.Warn("issue close failed", "issue", number, "error", err)
	}

	br.mu.Lock()
	delete(br.issueByIntent, in.ID)
	delete(br.commentCount, number)
	br.mu.Unlock()
}

func (br *Bridge) issueNumber(in *intent.Intent) int {
	br.mu.Lock()
	number := br.issueByIntent[in.ID]
	br.mu.Unlock()
	if number != 0 {
		return number
	}
	// Fall back to metadata so restarts keep the link.
	switch v := in.Metadata["governance_issue"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func renderIssueBody(in *intent.Intent, approveLabel, rejectLabel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", in.Summary)
	fmt.Fprintf(&b, "**Classification:** %s\n\n", in.Classification)

	if len(in.Payload) > 0 {
		b.WriteString("### Payload\n\n")
		keys := make([]string, 0, len(in.Payload))
		for k := range in.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s`: %v\n", k, in.Payload[k])
		}
		b.WriteString("\n")
	}
	if len(in.AffectedResources) > 0 {
		b.WriteString("### Affected resources\n\n")
		for _, r := range in.AffectedResources {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	if len(in.ExpectedSideEffects) > 0 {
		b.WriteString("### Expected side effects\n\n")
		for _, e := range in.ExpectedSideEffects {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}
	if in.RollbackStrategy != "" {
		fmt.Fprintf(&b, "### Rollback strategy\n\n%s\n\n", in.RollbackStrategy)
	}
	fmt.Fprintf(&b, "**Source:** %s/%s\n\n", in.Source.Type, in.Source.ID)
	fmt.Fprintf(&b, "Apply `%s` or `%s` to decide.\n\n", approveLabel, rejectLabel)
	fmt.Fprintf(&b, "---\nintent-id: %s\n", in.ID)
	return b.String()
}

func renderOutcomeComment(in *intent.Intent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Final state: **%s**\n\n", in.State)
	if !in.InsertedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", in.UpdatedAt.Sub(in.InsertedAt).Round(time.Second))
	}
	if in.Result != nil {
		fmt.Fprintf(&b, "\nResult:\n\n```\n%v\n```\n", in.Result)
	}
	return b.String()
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

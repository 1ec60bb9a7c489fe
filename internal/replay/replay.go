package replay

import (
	"fmt"
	"io"
	"os"

	"github.com/vinayprograms/aios/internal/event"
)

// Replayer renders a branch's journal to a writer. It reads the log
// files directly, so it works from outside the kernel process.
type Replayer struct {
	root   string
	output io.Writer
}

// New creates a replayer over a workspace root.
func New(root string) *Replayer {
	return &Replayer{root: root, output: os.Stdout}
}

// SetOutput redirects the rendered transcript.
func (r *Replayer) SetOutput(w io.Writer) { r.output = w }

// Render prints the full transcript of one branch.
func (r *Replayer) Render(sessionID, branchID string) error {
	records, _, err := loadFrom(logPath(r.root, sessionID, branchID), 0)
	if err != nil {
		return err
	}

	r.header(sessionID, branchID)
	for _, rec := range records {
		r.formatRecord(rec)
	}
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s\n", dimStyle.Render(fmt.Sprintf("%d events", len(records))))
	return nil
}

// header prints the transcript banner.
func (r *Replayer) header(sessionID, branchID string) {
	fmt.Fprintf(r.output, "%s\n", titleStyle.Render(fmt.Sprintf("SESSION %s  BRANCH %s", sessionID, branchID)))
	fmt.Fprintln(r.output, divider)
}

// formatRecord formats a single record for display.
func (r *Replayer) formatRecord(rec *event.Record) {
	ts := timeStyle.Render(rec.WallTime().Format("15:04:05"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", rec.Sequence))

	switch rec.Kind {
	case event.KindSessionCreated:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, flowStyle.Render("SESSION CREATED"))
	case event.KindSessionSuspended:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, flowStyle.Render("SESSION SUSPENDED"))
	case event.KindSessionResumed:
		var p event.SessionResumedPayload
		rec.DecodePayload(&p)
		label := "SESSION RESUMED"
		if p.AbortedTick {
			label = "SESSION RESUMED (aborted tick)"
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, flowStyle.Render(label))
	case event.KindTickStarted:
		var p event.TickStartedPayload
		rec.DecodePayload(&p)
		fmt.Fprintln(r.output)
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, flowStyle.Render(fmt.Sprintf("TICK %d", p.Tick)))
	case event.KindStateEstimated:
		var p event.StateEstimatedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts, dimStyle.Render("estimate"),
			dimStyle.Render(fmt.Sprintf("uncertainty=%.2f streak=%d tool_calls=%d", p.Uncertainty, p.ErrorStreak, p.BudgetToolCalls)))
	case event.KindModeChanged:
		var p event.ModeChangedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			modeStyle.Render(fmt.Sprintf("MODE %s → %s", p.From, p.To)), dimStyle.Render(p.Reason))
	case event.KindCircuitTripped:
		var p event.CircuitTrippedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts,
			errorStyle.Render(fmt.Sprintf("CIRCUIT TRIPPED (streak %d)", p.ErrorStreak)))
	case event.KindToolRequested:
		var p event.ToolRequestedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			toolStyle.Render("TOOL "+p.Tool), dimStyle.Render("requested"))
	case event.KindToolDispatched:
		var p event.ToolDispatchedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			toolStyle.Render("TOOL "+p.Tool), dimStyle.Render("dispatched"))
	case event.KindToolCompleted:
		var p event.ToolCompletedPayload
		rec.DecodePayload(&p)
		out := ""
		if p.StdoutBytes != "" {
			out = " " + valueStyle.Render(firstLine(p.StdoutBytes))
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s%s %s\n", seqNum, ts,
			successStyle.Render("TOOL "+p.Tool+" ok"), out,
			dimStyle.Render(fmt.Sprintf("(%dms)", p.DurationMs)))
	case event.KindToolFailed:
		var p event.ToolFailedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			errorStyle.Render("TOOL "+p.Tool+" failed"), errorStyle.Render(p.Reason))
	case event.KindApprovalRequired:
		var p event.ApprovalRequiredPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			approvalStyle.Render("APPROVAL REQUIRED"), dimStyle.Render(p.Capability+" ticket "+p.TicketID))
	case event.KindApprovalResolved:
		var p event.ApprovalResolvedPayload
		rec.DecodePayload(&p)
		verdict := approvalStyle.Render("denied")
		if p.Granted {
			verdict = successStyle.Render("granted")
		}
		if p.Expired {
			verdict = errorStyle.Render("expired")
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts, approvalStyle.Render("APPROVAL"), verdict)
	case event.KindFileWrite:
		var p event.FileWritePayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s %s\n", seqNum, ts,
			effectStyle.Render("WRITE"), valueStyle.Render(p.Path), dimStyle.Render(fmt.Sprintf("(%d bytes)", p.Bytes)))
	case event.KindFileDelete:
		var p event.FileDeletePayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts, effectStyle.Render("DELETE"), valueStyle.Render(p.Path))
	case event.KindFileRename:
		var p event.FileRenamePayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			effectStyle.Render("RENAME"), valueStyle.Render(p.From+" → "+p.To))
	case event.KindObservationRecorded:
		var p event.ObservationRecordedPayload
		rec.DecodePayload(&p)
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts,
			memoryStyle.Render("OBSERVE"), dimStyle.Render(fmt.Sprintf("%s ← seq %d", p.ObsKind, p.SourceSequence)))
	case event.KindCheckpoint:
		var p event.CheckpointPayload
		rec.DecodePayload(&p)
		detail := fmt.Sprintf("head %d", p.BranchHead)
		if p.MergedFrom != "" {
			detail = "merge of " + p.MergedFrom
		}
		if p.ForkedFrom != "" {
			detail = fmt.Sprintf("fork of %s @ %d", p.ForkedFrom, p.ForkPoint)
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqNum, ts, flowStyle.Render("CHECKPOINT"), dimStyle.Render(detail))
	case event.KindHeartbeat:
		var p event.HeartbeatPayload
		rec.DecodePayload(&p)
		label := "heartbeat"
		if p.Idle {
			label = "heartbeat (idle)"
		}
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, dimStyle.Render(label))
	default:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, dimStyle.Render(string(rec.Kind)))
	}
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/treykane/ostm/internal/doctor"
	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/forward"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/util"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(res model.TunnelResult) {
	fmt.Printf("%s %s: %s", res.ID, res.Status, res.Message)
	if res.PID > 0 {
		fmt.Printf(" pid=%d", res.PID)
	}
	if res.OldPID > 0 {
		fmt.Printf(" old_pid=%d", res.OldPID)
	}
	fmt.Println()
}

func printSummary(sum model.Summary) {
	for _, res := range sum.Details {
		printResult(res)
	}
	fmt.Println(sum.Message)
}

func printStatus(rep model.StatusReport) {
	fmt.Printf("%-20s %-10s %-8s %-32s %-12s %s\n", "ID", "STATUS", "PID", "TARGET", "BW", "CHANNELS")
	for _, row := range rep.Tunnels {
		pid := "-"
		if row.PID > 0 {
			pid = strconv.Itoa(row.PID)
		}
		target := row.Command
		if row.RemoteHost != "" {
			target = fmt.Sprintf("%s@%s:%d", row.RemoteUser, row.RemoteHost, row.SSHPort)
		}
		bw := "-"
		if row.Bandwidth != nil {
			bw = fmt.Sprintf("%d/%d", row.Bandwidth.Up, row.Bandwidth.Down)
		}
		fmt.Printf("%-20s %-10s %-8s %-32s %-12s %d\n", util.EmptyDash(row.ID), row.State, pid, util.EmptyDash(target), bw, row.Channels.Count())
	}
	fmt.Println(rep.Message)
}

func printEdit(res forward.Result) {
	printResult(res.Tunnel)
	for _, ch := range res.Channels.Sorted() {
		fmt.Printf("  %-8s %-16s %s %s\n", ch.Type, ch.Name, ch.Type.Flag(), ch.ForwardArg(ch.Type))
	}
	if res.NeedRestart {
		fmt.Printf("restart %s to apply the change\n", res.Tunnel.ID)
	}
}

func printCheck(rep doctor.CheckReport) {
	mark := "PASS"
	if !rep.Success {
		mark = "FAIL"
	}
	fmt.Printf("[%s] %s: %s\n", mark, rep.ID, rep.Message)
	for _, cc := range rep.Channels {
		mark = "ok"
		if !cc.Success {
			mark = "down"
		}
		fmt.Printf("  %-4s %-8s %-16s listen=%s", mark, cc.Type, cc.Name, probeText(cc.Listen))
		if cc.Endpoint != nil {
			fmt.Printf(" endpoint=%s", probeText(*cc.Endpoint))
		}
		fmt.Println()
	}
}

func probeText(p doctor.Probe) string {
	if !p.Reachable() {
		return p.Address + " (unreachable)"
	}
	return fmt.Sprintf("%s (%dms)", p.Address, *p.LatencyMS)
}

func printDoctor(rep doctor.Report) {
	if len(rep.Issues) == 0 {
		fmt.Println("no issues found")
		return
	}
	for _, issue := range rep.Issues {
		fmt.Printf("[%s] %s %s: %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
		if issue.Recommendation != "" {
			fmt.Printf("    -> %s\n", issue.Recommendation)
		}
	}
	fmt.Println(util.Plural(len(rep.Issues), "issue", "issues"))
}

func printEvents(evs []events.Event) {
	for _, evt := range evs {
		pid := ""
		if evt.PID > 0 {
			pid = fmt.Sprintf(" pid=%d", evt.PID)
		}
		fmt.Printf("%s %-12s %-18s %-8s%s %s\n",
			evt.Timestamp.Format("2006-01-02 15:04:05"), evt.TunnelID, evt.EventType, util.EmptyDash(string(evt.State)), pid, evt.Message)
	}
}

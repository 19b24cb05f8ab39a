package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

func renderSessions(w io.Writer, views []sessionView, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPEER\tLOCAL\tSTATE\tREMOTE STATE\tTX\tDETECT\tSENT\tRECV")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			v.Name, v.PeerAddress, v.LocalAddress, v.LocalState, v.RemoteState,
			v.LocalTxInterval, v.LocalDetectTime, v.PacketsSent, v.PacketsReceived)
	}
	return tw.Flush()
}

func renderSession(w io.Writer, v sessionView, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", v.Name)
	fmt.Fprintf(tw, "Peer address:\t%s\n", v.PeerAddress)
	fmt.Fprintf(tw, "Local address:\t%s\n", v.LocalAddress)
	fmt.Fprintf(tw, "Local state:\t%s\n", v.LocalState)
	fmt.Fprintf(tw, "Remote state:\t%s\n", v.RemoteState)
	fmt.Fprintf(tw, "Local diagnostic:\t%s\n", v.LocalDiagnostic)
	fmt.Fprintf(tw, "Local discriminator:\t%d\n", v.LocalDiscriminator)
	fmt.Fprintf(tw, "Remote discriminator:\t%d\n", v.RemoteDiscriminator)
	fmt.Fprintf(tw, "Local tx interval:\t%s\n", v.LocalTxInterval)
	fmt.Fprintf(tw, "Local detect time:\t%s\n", v.LocalDetectTime)
	fmt.Fprintf(tw, "Remote detect time:\t%s\n", v.RemoteDetectTime)
	fmt.Fprintf(tw, "Packets sent:\t%d\n", v.PacketsSent)
	fmt.Fprintf(tw, "Packets received:\t%d\n", v.PacketsReceived)
	fmt.Fprintf(tw, "State transitions:\t%d\n", v.StateTransitions)
	if v.LastStateChange != "" {
		fmt.Fprintf(tw, "Last state change:\t%s\n", v.LastStateChange)
	}
	if v.LastPacketReceived != "" {
		fmt.Fprintf(tw, "Last packet received:\t%s\n", v.LastPacketReceived)
	}
	return tw.Flush()
}

func renderEvent(w io.Writer, ev eventView, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		return enc.Encode(ev)
	}
	_, err := fmt.Fprintf(w, "%s  %-20s %s\n", ev.Timestamp, ev.Name, ev.State)
	return err
}

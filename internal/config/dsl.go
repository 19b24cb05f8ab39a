package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/lindenhall/bfdd/internal/bfd"
)

// ParseInstances reads a bfd_instance keyword-DSL document and returns one
// bfd.SessionConfig per block, grounded on keepalived's bfd_parser.c.
//
// Grammar (one statement per line, leading/trailing whitespace ignored,
// blank lines and lines starting with '#' skipped):
//
//	bfd_instance <name>
//	    neighbor_ip <addr>
//	    source_ip <addr>
//	    min_rx <1-1000>        # milliseconds
//	    min_tx <1-1000>        # milliseconds
//	    idle_tx <1000-10000>   # milliseconds
//	    multiplier <1-10>
//	    disabled
//
// A bfd_instance block implicitly ends at the next bfd_instance line or
// EOF; there is no closing keyword, matching keepalived's flat keyword
// list (every instance keyword after bfd_instance applies to "the most
// recently declared instance" until superseded).
//
// Name handling exactly follows bfd_handler/bfd_nbrip_handler:
//   - a name over 31 bytes is truncated to 31 and the instance is disabled
//   - a name colliding with an earlier instance is renamed to "<DUP-N>"
//     (N = the 0-based index of this instance among all parsed so far)
//     and disabled
//   - a neighbor address colliding with an earlier instance's is disabled
//     (the later declaration's neighbor_ip line is simply not applied)
//
// A malformed or out-of-range numeric value, or a malformed source_ip, is
// logged and leaves the instance's field at its configured default; a
// malformed neighbor_ip disables the instance. None of these fails the
// whole load.
func ParseInstances(r io.Reader, defaults BFDDefaults, log *slog.Logger) ([]bfd.SessionConfig, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	p := &dslParser{
		defaults: defaults,
		log:      log.With(slog.String("component", "config.dsl")),
		byName:   make(map[string]int),
		byAddr:   make(map[netip.Addr]int),
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := p.handleLine(line, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse instances: %w", err)
	}

	return p.instances, nil
}

const instanceNameMax = 31

type dslParser struct {
	defaults BFDDefaults
	log      *slog.Logger

	instances []bfd.SessionConfig
	current   *bfd.SessionConfig // points into instances[len-1], nil before the first bfd_instance

	byName map[string]int
	byAddr map[netip.Addr]int
}

func (p *dslParser) handleLine(line string, lineNo int) error {
	fields := strings.Fields(line)
	keyword := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	if keyword == "bfd_instance" {
		return p.beginInstance(arg, lineNo)
	}

	if p.current == nil {
		return fmt.Errorf("config line %d: keyword %q outside any bfd_instance block", lineNo, keyword)
	}

	switch keyword {
	case "neighbor_ip":
		p.setNeighborIP(arg)
	case "source_ip":
		p.setSourceIP(arg)
	case "min_rx":
		p.setMillisecondField(&p.current.LocalMinRxInterval, arg, 1, 1000, "min_rx")
	case "min_tx":
		p.setMillisecondField(&p.current.LocalMinTxInterval, arg, 1, 1000, "min_tx")
	case "idle_tx":
		p.setMillisecondField(&p.current.LocalIdleTxInterval, arg, 1000, 10000, "idle_tx")
	case "multiplier":
		p.setMultiplier(arg)
	case "disabled":
		p.current.Disabled = true
	default:
		return fmt.Errorf("config line %d: unrecognized keyword %q", lineNo, keyword)
	}

	return nil
}

func (p *dslParser) beginInstance(name string, lineNo int) error {
	if name == "" {
		return fmt.Errorf("config line %d: bfd_instance requires a name", lineNo)
	}

	disabled := false
	iname := name
	if len(iname) > instanceNameMax {
		iname = iname[:instanceNameMax]
		p.log.Error("instance name truncated, disabling instance",
			slog.String("original", name), slog.String("truncated", iname))
		disabled = true
	}

	if _, dup := p.byName[iname]; dup {
		renamed := fmt.Sprintf("<DUP-%d>", len(p.instances))
		p.log.Error("duplicate instance name, renaming and disabling instance",
			slog.String("original", name), slog.String("renamed", renamed))
		iname = renamed
		disabled = true
	}

	sc := bfd.SessionConfig{
		Name:                iname,
		LocalMinRxInterval:  p.defaults.MinRx,
		LocalMinTxInterval:  p.defaults.MinTx,
		LocalIdleTxInterval: p.defaults.IdleTx,
		LocalDetectMult:     p.defaults.Multiplier,
		Disabled:            disabled,
	}

	p.instances = append(p.instances, sc)
	p.current = &p.instances[len(p.instances)-1]
	p.byName[iname] = len(p.instances) - 1

	return nil
}

func (p *dslParser) setNeighborIP(arg string) {
	addr, err := netip.ParseAddr(arg)
	if err != nil {
		p.log.Error("malformed neighbor address, disabling instance",
			slog.String("instance", p.current.Name), slog.String("value", arg))
		p.current.Disabled = true
		return
	}

	if _, dup := p.byAddr[addr]; dup {
		p.log.Error("duplicate neighbor address, disabling instance",
			slog.String("instance", p.current.Name), slog.String("addr", arg))
		p.current.Disabled = true
		return
	}

	p.current.PeerAddr = addr
	p.byAddr[addr] = len(p.instances) - 1
}

func (p *dslParser) setSourceIP(arg string) {
	addr, err := netip.ParseAddr(arg)
	if err != nil {
		p.log.Error("malformed source address, ignoring",
			slog.String("instance", p.current.Name), slog.String("value", arg))
		return
	}
	p.current.LocalAddr = addr
}

func (p *dslParser) setMillisecondField(field *time.Duration, arg string, min, max int, keyword string) {
	value, err := strconv.Atoi(arg)
	if err != nil || value < min || value > max {
		p.log.Error("value not valid, ignoring",
			slog.String("instance", p.current.Name),
			slog.String("keyword", keyword),
			slog.String("value", arg),
			slog.Int("min", min), slog.Int("max", max),
		)
		return
	}

	d := time.Duration(value) * time.Millisecond
	if !bfd.IsCommonInterval(d) {
		p.log.Warn("interval is not one of the RFC 7419 common values, negotiation with hardware-based peers may mismatch",
			slog.String("instance", p.current.Name),
			slog.String("keyword", keyword),
			slog.Duration("value", d),
		)
	}
	*field = d
}

func (p *dslParser) setMultiplier(arg string) {
	value, err := strconv.Atoi(arg)
	if err != nil || value < 1 || value > 10 {
		p.log.Error("multiplier not valid, ignoring",
			slog.String("instance", p.current.Name), slog.String("value", arg))
		return
	}
	p.current.LocalDetectMult = uint8(value) //nolint:gosec // G115: range-checked above
}

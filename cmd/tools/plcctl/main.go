package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/probe"
)

func usage() {
	fmt.Fprintf(os.Stderr, `plcctl - poke a running PLC simulator over Modbus-TCP

Usage:
  plcctl <command> [flags] <args>

Commands:
  read-coils     <start> <count>
  read-inputs    <start> <count>
  read-holdings  <start> <count>
  read-iregs     <start> <count>
  write-coil     <addr> <0|1>
  toggle-coil    <addr>
  write-holding  <addr> <value>

Flags:
  -addr     simulator address (default 127.0.0.1:55022)
  -unit     unit id (default 1)
  -timeout  request timeout (default 2s)
  -debug    log Modbus frames
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		return
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:55022", "simulator address")
	unit := fs.Uint("unit", 1, "unit id")
	timeout := fs.Duration("timeout", 2*time.Second, "request timeout")
	debug := fs.Bool("debug", false, "log Modbus frames")
	fs.Usage = usage
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	logging.Init()
	if *debug {
		logging.SetLevel("debug")
	}

	p, err := probe.Dial(probe.Options{Address: *addr, UnitID: uint8(*unit), Timeout: *timeout, Debug: *debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 4 * *timeout)
	defer cancel()

	if err := run(ctx, p, cmd, fs.Args()); err != nil {
		if code, ok := probe.ExceptionCode(err); ok {
			fmt.Fprintf(os.Stderr, "%s: Modbus exception %d\n", cmd, code)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, p *probe.Probe, cmd string, args []string) error {
	switch cmd {
	case "read-coils", "read-inputs":
		start, count, err := twoArgs(args)
		if err != nil {
			return err
		}
		read := p.ReadCoils
		if cmd == "read-inputs" {
			read = p.ReadDiscreteInputs
		}
		bits, err := read(ctx, start, count)
		if err != nil {
			return err
		}
		fmt.Println(probe.CoilsString(bits))
		for i, b := range bits {
			if b {
				fmt.Printf("  %d: on\n", int(start)+i)
			}
		}

	case "read-holdings", "read-iregs":
		start, count, err := twoArgs(args)
		if err != nil {
			return err
		}
		read := p.ReadHoldingRegisters
		if cmd == "read-iregs" {
			read = p.ReadInputRegisters
		}
		words, err := read(ctx, start, count)
		if err != nil {
			return err
		}
		for i, w := range words {
			fmt.Printf("%d: %d\n", int(start)+i, w)
		}

	case "write-coil":
		addr, value, err := twoArgs(args)
		if err != nil {
			return err
		}
		if value > 1 {
			return fmt.Errorf("coil value must be 0 or 1, got %d", value)
		}
		if err := p.WriteCoil(ctx, addr, value == 1); err != nil {
			return err
		}
		fmt.Printf("coil %d = %d\n", addr, value)

	case "toggle-coil":
		if len(args) != 1 {
			return fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		addr, err := parseU16(args[0])
		if err != nil {
			return err
		}
		on, err := p.ToggleCoil(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Printf("coil %d = %t\n", addr, on)

	case "write-holding":
		addr, value, err := twoArgs(args)
		if err != nil {
			return err
		}
		if err := p.WriteHoldingRegister(ctx, addr, value); err != nil {
			return err
		}
		fmt.Printf("holding %d = %d\n", addr, value)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func twoArgs(args []string) (uint16, uint16, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected 2 arguments, got %d", len(args))
	}
	a, err := parseU16(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseU16(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint16(v), nil
}

// injectctl is the control CLI for injectd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"injectd/internal/config"
	"injectd/internal/ipc"
)

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket path (overrides config)")
	asJSON     = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch cmd := flag.Arg(0); cmd {
	case "status":
		cmdStatus()
	case "ping":
		cmdPing()
	case "send":
		requireArg("send", "<text>")
		cmdSend(strings.Join(flag.Args()[1:], " "))
	case "inject":
		requireArg("inject", "<text>")
		cmdInject(strings.Join(flag.Args()[1:], " "))
	case "flush":
		cmdFlush()
	case "stats":
		cmdStats()
	case "reload":
		cmdReload()
	case "shutdown":
		cmdShutdown()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `injectctl - Control utility for injectd

Usage: injectctl [options] <command> [args]

Commands:
  status          Show daemon status and per-method statistics
  ping            Check that the daemon is reachable
  send <text>     Feed a transcription fragment into the session buffer
  inject <text>   Inject text immediately, bypassing the buffer
  flush           Inject whatever is buffered without waiting for silence
  stats           Show attempt statistics
  reload          Reload the daemon configuration
  shutdown        Stop the daemon
  help            Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket path (overrides config)
  -json           Print raw JSON responses`)
}

func requireArg(cmd, arg string) {
	if flag.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Usage: injectctl %s %s\n", cmd, arg)
		os.Exit(1)
	}
}

func connect() *ipc.Client {
	path := *socketPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.IPC.SocketPath
	}

	client := ipc.NewClient(ipc.DefaultClientConfig(path))
	if err := client.Connect(); err != nil {
		if err == ipc.ErrDaemonNotRunning {
			fmt.Fprintln(os.Stderr, "injectd is not running")
		} else {
			fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
		}
		os.Exit(1)
	}
	return client
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func cmdPing() {
	client := connect()
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fail(err)
	}
	fmt.Printf("pong (%s)\n", time.Since(start).Round(time.Microsecond))
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fail(err)
	}
	if *asJSON {
		printJSON(status)
		return
	}

	fmt.Println("=== injectd Status ===")
	fmt.Printf("Version:   %s\n", status.Version)
	fmt.Printf("Uptime:    %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Display:   %s / %s\n", status.Protocol, status.Desktop)
	fmt.Printf("Session:   %s", status.SessionState)
	if status.BufferChars > 0 {
		fmt.Printf(" (%d chars buffered)", status.BufferChars)
	}
	fmt.Println()
	if status.FocusedApp != "" {
		fmt.Printf("Focused:   %s\n", status.FocusedApp)
	}

	fmt.Println()
	fmt.Println("Methods:")
	fmt.Printf("  %-18s %-9s %-8s %-12s %s\n", "METHOD", "ENABLED", "RATE", "OK/FAIL", "COOLDOWN")
	for _, m := range status.Methods {
		cooldown := "-"
		if m.InCooldown {
			cooldown = (time.Duration(m.CooldownForMs) * time.Millisecond).String()
		}
		enabled := "yes"
		if !m.Enabled {
			enabled = "no"
		}
		fmt.Printf("  %-18s %-9s %-8.2f %d/%-10d %s\n",
			m.Method, enabled, m.SuccessRate, m.Successes, m.Failures, cooldown)
	}
}

func cmdSend(text string) {
	client := connect()
	defer client.Close()

	resp, err := client.SendTranscription(text)
	if err != nil {
		fail(err)
	}
	if *asJSON {
		printJSON(resp)
		return
	}
	fmt.Printf("buffered (%s, %d chars)\n", resp.State, resp.BufferChars)
}

func cmdInject(text string) {
	client := connect()
	defer client.Close()

	result, err := client.Inject(text)
	if err != nil {
		fail(err)
	}
	printResult(result)
}

func cmdFlush() {
	client := connect()
	defer client.Close()

	result, err := client.Flush()
	if err != nil {
		fail(err)
	}
	printResult(result)
}

func printResult(result *ipc.InjectResult) {
	if *asJSON {
		printJSON(result)
		return
	}
	if result.Success {
		fmt.Printf("injected via %s in %s\n", result.Method, result.Elapsed.Round(time.Millisecond))
		return
	}

	fmt.Printf("injection failed: %s\n", result.Error)
	for _, d := range result.Diagnostics {
		name := d.Method
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %-18s %-10s %s\n", name, d.Stage, d.Reason)
	}
	os.Exit(1)
}

func cmdStats() {
	client := connect()
	defer client.Close()

	stats, err := client.Stats(0)
	if err != nil {
		fail(err)
	}
	if *asJSON {
		printJSON(stats)
		return
	}

	fmt.Println("=== Attempt Statistics ===")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Succeeded: %d\n", stats.Successes)
	if len(stats.ByMethod) > 0 {
		fmt.Println()
		fmt.Println("By method:")
		for method, mc := range stats.ByMethod {
			fmt.Printf("  %-18s %d/%d\n", method, mc.Successes, mc.Total)
		}
	}
}

func cmdReload() {
	client := connect()
	defer client.Close()

	resp, err := client.Reload()
	if err != nil {
		fail(err)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "reload failed: %s\n", resp.Error)
		os.Exit(1)
	}
	fmt.Println("configuration reloaded")
}

func cmdShutdown() {
	client := connect()
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		fail(err)
	}
	fmt.Println("shutdown requested")
}

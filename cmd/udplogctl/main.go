package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rexliu/udplogd/pkg/jsonrpc"
	"github.com/rexliu/udplogd/pkg/sse"
)

func main() {
	app := &cli.App{
		Name:  "udplogctl",
		Usage: "talk to a running udplogd",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://127.0.0.1:8040/RPC2", Usage: "RPC endpoint"},
			&cli.StringFlag{Name: "api-key", EnvVars: []string{"UDPLOGD_API_KEY"}},
			&cli.StringFlag{Name: "host", Usage: "override the HTTP Host header"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "invoke one method: call METHOD [arg ...] [k=v ...]",
				ArgsUsage: "METHOD [arg ...] [k=v ...]",
				Action:    callCommand,
			},
			{
				Name:   "multicall",
				Usage:  "send a batch of calls read as a JSON array from stdin or --file",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "file", Aliases: []string{"f"}}},
				Action: multicallCommand,
			},
			{
				Name:   "methods",
				Usage:  "list the server's registered methods",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "help-text", Usage: "fetch help text per method"}},
				Action: methodsCommand,
			},
			{
				Name:  "tail",
				Usage: "follow the daemon's event stream",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "events-url", Usage: "stream endpoint (defaults to /events next to --url)"},
					&cli.StringFlag{Name: "last-id", Usage: "resume from a known event id"},
					&cli.BoolFlag{Name: "ping", Usage: "show keepalive pings"},
				},
				Action: tailCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial(c *cli.Context) (*jsonrpc.Client, error) {
	return jsonrpc.Dial(c.String("url"),
		jsonrpc.WithAPIKey(c.String("api-key")),
		jsonrpc.WithHostName(c.String("host")),
		jsonrpc.WithTransportConfig(jsonrpc.TransportConfig{
			APIKey:   c.String("api-key"),
			HostName: c.String("host"),
			Timeout:  c.Duration("timeout"),
		}))
}

// parseArgs turns CLI tokens into params and kwargs: k=v tokens become
// kwargs, the rest are positional. Values parse as JSON when they can,
// otherwise stay strings.
func parseArgs(tokens []string) ([]any, map[string]any) {
	var params []any
	var kwargs map[string]any
	for _, tok := range tokens {
		if key, value, ok := strings.Cut(tok, "="); ok && key != "" && !strings.HasPrefix(tok, "{") {
			if kwargs == nil {
				kwargs = make(map[string]any)
			}
			kwargs[key] = parseValue(value)
			continue
		}
		params = append(params, parseValue(tok))
	}
	return params, kwargs
}

func parseValue(tok string) any {
	var v any
	if err := json.Unmarshal([]byte(tok), &v); err == nil {
		return v
	}
	return tok
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func callCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("usage: udplogctl call METHOD [arg ...] [k=v ...]")
	}
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	params, kwargs := parseArgs(c.Args().Tail())
	v, err := client.Call(c.Args().First(), params, kwargs)
	if err != nil {
		return err
	}
	return printJSON(v)
}

func multicallCommand(c *cli.Context) error {
	var raw []byte
	var err error
	if path := c.String("file"); path != "" {
		raw, err = os.ReadFile(path)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}

	var specs []struct {
		Method string         `json:"method"`
		Params []any          `json:"params"`
		Kwargs map[string]any `json:"kwargs"`
	}
	if err := json.Unmarshal(raw, &specs); err != nil {
		return fmt.Errorf("parse batch: %w", err)
	}
	if len(specs) == 0 {
		return fmt.Errorf("empty batch")
	}

	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	mc := jsonrpc.NewMultiCall(client)
	for _, spec := range specs {
		mc.AddKw(spec.Method, spec.Params, spec.Kwargs)
	}
	results, err := mc.Call()
	if err != nil {
		return err
	}
	for i := 0; i < results.Len(); i++ {
		v, err := results.At(i)
		if err != nil {
			fmt.Printf("[%d] %s: error: %v\n", i, specs[i].Method, err)
			continue
		}
		out, _ := json.Marshal(v)
		fmt.Printf("[%d] %s: %s\n", i, specs[i].Method, out)
	}
	return nil
}

func methodsCommand(c *cli.Context) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	v, err := client.Call("system.listMethods", nil, nil)
	if err != nil {
		return err
	}
	names, ok := v.([]any)
	if !ok {
		return fmt.Errorf("unexpected listMethods response %T", v)
	}
	for _, n := range names {
		name, _ := n.(string)
		if !c.Bool("help-text") {
			fmt.Println(name)
			continue
		}
		help, err := client.Call("system.methodHelp", []any{name}, nil)
		if err != nil || help == "" {
			fmt.Println(name)
			continue
		}
		fmt.Printf("%-28s %v\n", name, help)
	}
	return nil
}

func tailCommand(c *cli.Context) error {
	eventsURL := c.String("events-url")
	if eventsURL == "" {
		url := c.String("url")
		if i := strings.Index(url, "://"); i >= 0 {
			if j := strings.Index(url[i+3:], "/"); j >= 0 {
				url = url[:i+3+j]
			}
		}
		eventsURL = url + "/events"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stream := sse.New(sse.Config{
		URL:         eventsURL,
		APIKey:      c.String("api-key"),
		HostName:    c.String("host"),
		LastEventID: c.String("last-id"),
		Ping:        c.Bool("ping"),
	})
	for msg := range stream.Stream(ctx) {
		switch {
		case msg.Err != nil:
			fmt.Fprintf(os.Stderr, "stream error (resuming after %q): %v\n", msg.LastID, msg.Err)
		case msg.Event != nil:
			ev := msg.Event
			if ev.ID != "" {
				fmt.Printf("%s [%s] %s\n", ev.Name, ev.ID, ev.Text())
			} else {
				fmt.Printf("%s %s\n", ev.Name, ev.Text())
			}
		}
	}
	return nil
}

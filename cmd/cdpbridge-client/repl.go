package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterh/liner"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/bingosuite/cdpbridge/pkg/client"
)

const (
	callTimeout = 30 * time.Second
	prompt      = "cdp> "
	historyFile = ".cdpbridge_history"
)

var errQuit = errors.New("quit")

const usage = `Commands:
  call <method> [json]   send any protocol method
  enable                 enable the Runtime and Debugger domains
  scripts                list announced scripts
  source <id>            print a script's source
  break <id> <line>      set a breakpoint (1-based line)
  resume | c             resume execution
  step | s               step over
  pause                  pause at the next pause site
  eval <expression>      evaluate, on the top frame when paused
  help                   show this help
  quit | q               leave`

type caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	OnNotification(fn client.NotificationHandler)
	Done() <-chan struct{}
}

type repl struct {
	c   caller
	out io.Writer

	mu      sync.Mutex
	scripts map[string]string
	paused  atomic.Bool
}

func newREPL(c caller) *repl {
	r := &repl{c: c, out: os.Stdout, scripts: make(map[string]string)}
	c.OnNotification(r.onNotification)
	return r
}

func (r *repl) onNotification(method string, params json.RawMessage) {
	p := gjson.ParseBytes(params)
	switch method {
	case "Debugger.scriptParsed":
		r.mu.Lock()
		r.scripts[p.Get("scriptId").String()] = p.Get("url").String()
		r.mu.Unlock()
		fmt.Fprintf(r.out, "\n[script] %s %s\n", p.Get("scriptId"), p.Get("url"))
	case "Debugger.paused":
		r.paused.Store(true)
		top := p.Get("callFrames.0")
		fmt.Fprintf(r.out, "\n[paused] %s:%d %s (%s)\n",
			top.Get("location.scriptId"), top.Get("location.lineNumber").Int()+1,
			top.Get("functionName"), p.Get("reason"))
	case "Debugger.resumed":
		r.paused.Store(false)
		fmt.Fprintln(r.out, "\n[resumed]")
	case "Runtime.consoleAPICalled":
		var parts []string
		for _, arg := range p.Get("args").Array() {
			parts = append(parts, describe(arg))
		}
		fmt.Fprintf(r.out, "\n[console.%s] %s\n", p.Get("type"), strings.Join(parts, " "))
	default:
		fmt.Fprintf(r.out, "\n[%s] %s\n", method, params)
	}
}

// describe renders a RemoteObject the way a console would.
func describe(obj gjson.Result) string {
	switch {
	case obj.Get("unserializableValue").Exists():
		return obj.Get("unserializableValue").String()
	case obj.Get("value").Exists():
		return obj.Get("value").Raw
	case obj.Get("description").Exists():
		return obj.Get("description").String()
	default:
		return obj.Get("type").String()
	}
}

func (r *repl) Run(ctx context.Context) error {
	next, closeInput := r.input()
	defer closeInput()

	fmt.Fprintln(r.out, `Type "help" for commands.`)
	for {
		select {
		case <-r.c.Done():
			return client.ErrClosed
		default:
		}

		text, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}
		if err := r.exec(ctx, text); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(r.out, "error:", err)
		}
	}
}

// input reads lines with editing and history on a terminal, plainly otherwise.
func (r *repl) input() (func() (string, error), func()) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		return func() (string, error) {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return scanner.Text(), nil
		}, func() {}
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	history := historyPath()
	if f, err := os.Open(history); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	next := func() (string, error) {
		text, err := line.Prompt(prompt)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			line.AppendHistory(text)
		}
		return text, nil
	}
	closeInput := func() {
		if f, err := os.Create(history); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
		_ = line.Close()
	}
	return next, closeInput
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFile
	}
	return filepath.Join(home, historyFile)
}

func (r *repl) exec(ctx context.Context, text string) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "help", "h", "?":
		fmt.Fprintln(r.out, usage)
		return nil
	case "quit", "q", "exit":
		return errQuit
	case "call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: call <method> [json]")
		}
		var params any
		if len(fields) > 2 {
			rest := strings.TrimSpace(strings.TrimSpace(text)[len(fields[0]):])
			raw := strings.TrimSpace(rest[len(fields[1]):])
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("params are not valid JSON: %s", raw)
			}
			params = json.RawMessage(raw)
		}
		return r.print(ctx, fields[1], params)
	case "enable":
		if _, err := r.call(ctx, "Runtime.enable", nil); err != nil {
			return err
		}
		_, err := r.call(ctx, "Debugger.enable", nil)
		return err
	case "scripts":
		r.listScripts()
		return nil
	case "source":
		if len(fields) != 2 {
			return fmt.Errorf("usage: source <id>")
		}
		result, err := r.call(ctx, "Debugger.getScriptSource", map[string]string{"scriptId": fields[1]})
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, gjson.GetBytes(result, "scriptSource").String())
		return nil
	case "break", "b":
		return r.setBreakpoint(ctx, fields)
	case "resume", "c", "continue":
		_, err := r.call(ctx, "Debugger.resume", nil)
		return err
	case "step", "s", "next":
		_, err := r.call(ctx, "Debugger.stepOver", nil)
		return err
	case "pause":
		_, err := r.call(ctx, "Debugger.pause", nil)
		return err
	case "eval", "e", "p":
		expr := strings.TrimSpace(strings.TrimSpace(text)[len(fields[0]):])
		if expr == "" {
			return fmt.Errorf("usage: eval <expression>")
		}
		return r.eval(ctx, expr)
	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
}

func (r *repl) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return r.c.Call(ctx, method, params)
}

func (r *repl) print(ctx context.Context, method string, params any) error {
	result, err := r.call(ctx, method, params)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, string(result))
	return nil
}

func (r *repl) listScripts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scripts) == 0 {
		fmt.Fprintln(r.out, "no scripts announced yet, try enable")
		return
	}
	ids := make([]string, 0, len(r.scripts))
	for id := range r.scripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(r.out, "%s\t%s\n", id, r.scripts[id])
	}
}

func (r *repl) setBreakpoint(ctx context.Context, fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("usage: break <id> <line>")
	}
	line, err := strconv.Atoi(fields[2])
	if err != nil || line <= 0 {
		return fmt.Errorf("invalid line number %q", fields[2])
	}

	r.mu.Lock()
	url, ok := r.scripts[fields[1]]
	r.mu.Unlock()
	if !ok {
		url = fields[1]
	}

	result, err := r.call(ctx, "Debugger.setBreakpointByUrl", map[string]any{
		"url":          url,
		"lineNumber":   line - 1,
		"columnNumber": 0,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "breakpoint %s\n", gjson.GetBytes(result, "breakpointId"))
	return nil
}

func (r *repl) eval(ctx context.Context, expr string) error {
	method := "Runtime.evaluate"
	params := map[string]any{"expression": expr}
	if r.paused.Load() {
		method = "Debugger.evaluateOnCallFrame"
		params["callFrameId"] = "0"
	}
	result, err := r.call(ctx, method, params)
	if err != nil {
		return err
	}
	res := gjson.ParseBytes(result)
	if details := res.Get("exceptionDetails"); details.Exists() {
		return fmt.Errorf("%s", describe(details.Get("exception")))
	}
	fmt.Fprintln(r.out, describe(res.Get("result")))
	return nil
}

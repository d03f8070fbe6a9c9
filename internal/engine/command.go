package engine

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/creack/pty"
	"github.com/filipexyz/genflow/internal/domain"
	"github.com/itchyny/gojq"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed result.schema.json
var resultSchema []byte

const (
	maxLineSize = 1 << 20
	// waitDelay bounds how long Wait blocks on output still held open by
	// descendants of an exited engine process.
	waitDelay = 5 * time.Second
)

// Command runs an external generator binary once per operation.
//
// Every output line is a progress line except the one starting with the
// configured result prefix, which carries the JSON result document.
type Command struct {
	cfg      *Config
	args     map[string][]*template.Template
	useCases *gojq.Code
	schema   *gojsonschema.Schema
}

// NewCommand compiles the argument templates, the use case query and the
// result schema.
func NewCommand(cfg *Config) (*Command, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Command{cfg: cfg, args: make(map[string][]*template.Template)}

	for op, raw := range map[string][]string{
		"create": cfg.Args.Create,
		"edit":   cfg.Args.Edit,
		"revert": cfg.Args.Revert,
	} {
		tmpls := make([]*template.Template, len(raw))
		for i, arg := range raw {
			t, err := template.New(fmt.Sprintf("%s[%d]", op, i)).Option("missingkey=error").Parse(arg)
			if err != nil {
				return nil, fmt.Errorf("parse %s arg %d: %w", op, i, err)
			}
			tmpls[i] = t
		}
		c.args[op] = tmpls
	}

	query, err := gojq.Parse(cfg.UseCasesQuery)
	if err != nil {
		return nil, fmt.Errorf("parse use cases query: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile use cases query: %w", err)
	}
	c.useCases = code

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("load result schema: %w", err)
	}
	c.schema = schema

	return c, nil
}

func (c *Command) Create(ctx context.Context, req CreateRequest, sink Sink) (*Result, error) {
	res, err := c.run(ctx, "create", req, sink)
	if err != nil {
		return nil, err
	}
	if res.OK() && res.OutputDir == "" {
		res.OutputDir = req.OutputDir
	}
	return res, nil
}

func (c *Command) Edit(ctx context.Context, req EditRequest, sink Sink) (*Result, error) {
	return c.run(ctx, "edit", req, sink)
}

func (c *Command) Revert(ctx context.Context, req RevertRequest, sink Sink) (*Result, error) {
	return c.run(ctx, "revert", req, sink)
}

func (c *Command) render(op string, data any) ([]string, error) {
	tmpls := c.args[op]
	out := make([]string, len(tmpls))
	for i, t := range tmpls {
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render %s arg %d: %w", op, i, err)
		}
		out[i] = buf.String()
	}
	return out, nil
}

func (c *Command) run(ctx context.Context, op string, data any, sink Sink) (*Result, error) {
	args, err := c.render(op, data)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	cmd.WaitDelay = waitDelay
	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.TempDir(),
		"TERM=dumb",
	}, c.cfg.Env...)

	var (
		output io.ReadCloser
		stderr bytes.Buffer
	)
	if c.cfg.PTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start %s under pty: %w", op, err)
		}
		output = ptmx
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", op, err)
		}
		output = stdout
	}

	slog.Debug("engine command started", "op", op, "binary", c.cfg.Binary, "pid", cmd.Process.Pid)

	resultLine, scanErr := c.scan(output, sink)
	if scanErr != nil {
		// Nothing reads the output any more, so the child would block on a full pipe.
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Warn("failed to kill engine command", "op", op, "error", err)
		}
	}
	if c.cfg.PTY {
		output.Close()
	}
	waitErr := cmd.Wait()

	if stderr.Len() > 0 {
		slog.Warn("engine command stderr", "op", op, "output", strings.TrimSpace(stderr.String()))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read %s output: %w", op, scanErr)
	}
	if resultLine == "" {
		if waitErr != nil {
			return nil, fmt.Errorf("%s exited: %w", op, waitErr)
		}
		return nil, fmt.Errorf("%s produced no result", op)
	}

	res, err := c.parseResult(resultLine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if waitErr != nil && res.OK() {
		return nil, fmt.Errorf("%s exited after reporting success: %w", op, waitErr)
	}
	return res, nil
}

// scan forwards progress lines to sink and returns the payload of the result line.
func (c *Command) scan(r io.Reader, sink Sink) (string, error) {
	var result string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if payload, ok := strings.CutPrefix(line, c.cfg.ResultPrefix); ok {
			result = payload
			continue
		}
		sink.Emit(line)
	}
	err := scanner.Err()
	// A pty master reports EIO once the child side is closed.
	if errors.Is(err, syscall.EIO) {
		err = nil
	}
	return result, err
}

func (c *Command) parseResult(line string) (*Result, error) {
	var doc any
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	validation, err := c.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate result: %w", err)
	}
	if !validation.Valid() {
		msgs := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid result: %s", strings.Join(msgs, "; "))
	}

	fields := doc.(map[string]any)
	res := &Result{
		Status:     stringField(fields, "status"),
		Message:    stringField(fields, "message"),
		OutputDir:  stringField(fields, "output_dir"),
		BackupDir:  stringField(fields, "backup_dir"),
		PreviewURL: stringField(fields, "preview_url"),
	}

	useCases, err := c.extractUseCases(doc)
	if err != nil {
		return nil, err
	}
	res.UseCases = useCases
	return res, nil
}

func (c *Command) extractUseCases(doc any) ([]domain.UseCaseSpec, error) {
	iter := c.useCases.Run(doc)
	v, ok := iter.Next()
	if !ok || v == nil {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("use cases query: %w", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal use cases: %w", err)
	}
	var specs []domain.UseCaseSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decode use cases: %w", err)
	}
	return specs, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Package epub packages HTML documents into e-books by running an external
// converter such as pandoc.
package epub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/epubfeed/internal/fileutil"
)

// Placeholders substituted in converter arguments.
const (
	PlaceholderTitle  = "{title}"
	PlaceholderOutput = "{output}"
)

const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"

	defaultCommand     = "pandoc"
	defaultTimeout     = 2 * time.Minute
	defaultConcurrency = 2
	maxOutputTail      = 2048
	untitled           = "Untitled"
)

// DefaultArgs is the pandoc invocation used when no arguments are configured.
var DefaultArgs = []string{"-f", "html", "-t", "epub3", "--metadata", "title=" + PlaceholderTitle, "-o", PlaceholderOutput}

var commandContext = exec.CommandContext

// Options configures a Packager. Zero values select defaults.
type Options struct {
	Command     string
	Args        []string
	InputFormat string
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger
}

// Artifact describes a committed e-book file.
type Artifact struct {
	Path string
	Size int64
}

// Error is returned when the converter fails or produces no usable output.
type Error struct {
	Path    string
	Timeout bool
	Output  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("package %s: %v", filepath.Base(e.Path), e.Err)
	if e.Timeout {
		msg = fmt.Sprintf("package %s: timed out: %v", filepath.Base(e.Path), e.Err)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Packager runs the converter with bounded concurrency.
type Packager struct {
	command string
	args    []string
	format  string
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New creates a Packager.
func New(opts Options) (*Packager, error) {
	if opts.Command == "" {
		opts.Command = defaultCommand
	}
	if len(opts.Args) == 0 {
		opts.Args = DefaultArgs
	}
	switch opts.InputFormat {
	case "":
		opts.InputFormat = FormatHTML
	case FormatHTML, FormatMarkdown:
	default:
		return nil, fmt.Errorf("unknown input format %q (want %s or %s)", opts.InputFormat, FormatHTML, FormatMarkdown)
	}
	hasOutput := false
	for _, a := range opts.Args {
		if strings.Contains(a, PlaceholderOutput) {
			hasOutput = true
			break
		}
	}
	if !hasOutput {
		return nil, fmt.Errorf("converter arguments must contain %s", PlaceholderOutput)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Packager{
		command: opts.Command,
		args:    append([]string(nil), opts.Args...),
		format:  opts.InputFormat,
		timeout: opts.Timeout,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:  opts.Logger,
	}, nil
}

// Package converts document into an e-book at outPath. The output is written
// to a hidden temp file and renamed into place only when the converter exits
// cleanly and produced a non-empty file; on failure nothing is left behind.
func (p *Packager) Package(ctx context.Context, document, title, outPath string) (Artifact, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Artifact{}, &Error{Path: outPath, Err: fmt.Errorf("waiting for converter slot: %w", err)}
	}
	defer p.sem.Release(1)

	input, err := p.input(document)
	if err != nil {
		return Artifact{}, &Error{Path: outPath, Err: err}
	}

	tmp, err := fileutil.TempSibling(outPath)
	if err != nil {
		return Artifact{}, &Error{Path: outPath, Err: fmt.Errorf("create temp file: %w", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if strings.TrimSpace(title) == "" {
		title = untitled
	}
	cmd := commandContext(runCtx, p.command, p.expandArgs(title, tmp)...) //nolint:gosec
	cmd.Stdin = strings.NewReader(input)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		_ = os.Remove(tmp)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		p.logger.Warn("converter failed",
			"path", outPath,
			"command", p.command,
			"timeout", timedOut,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", runErr,
		)
		return Artifact{}, &Error{Path: outPath, Timeout: timedOut, Output: tail(output.String()), Err: runErr}
	}

	size, err := fileutil.CommitFile(tmp, outPath)
	if err != nil {
		return Artifact{}, &Error{Path: outPath, Output: tail(output.String()), Err: err}
	}
	p.logger.Debug("e-book packaged",
		"path", outPath,
		"bytes", size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Artifact{Path: outPath, Size: size}, nil
}

func (p *Packager) input(document string) (string, error) {
	if p.format != FormatMarkdown {
		return document, nil
	}
	markdown, err := md.NewConverter("", true, nil).ConvertString(document)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return markdown, nil
}

func (p *Packager) expandArgs(title, output string) []string {
	r := strings.NewReplacer(PlaceholderTitle, title, PlaceholderOutput, output)
	args := make([]string, len(p.args))
	for i, a := range p.args {
		args[i] = r.Replace(a)
	}
	return args
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputTail {
		s = s[len(s)-maxOutputTail:]
	}
	return s
}

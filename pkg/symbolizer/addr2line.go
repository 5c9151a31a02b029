package symbolizer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Addr2Line resolves addresses by running binutils addr2line.
type Addr2Line struct {
	logger    log.Logger
	path      string
	batchSize int
	metrics   *metrics
	run       runFunc
}

func newAddr2Line(cfg Config, o options) *Addr2Line {
	return &Addr2Line{
		logger:    o.log(),
		path:      cfg.Addr2LinePath,
		batchSize: cfg.BatchSize,
		metrics:   o.metrics(),
		run:       runCommand,
	}
}

func (a *Addr2Line) Resolve(ctx context.Context, modulePath string, addrs []uint64) ([][]SourceInfoFrame, error) {
	result := make([][]SourceInfoFrame, 0, len(addrs))
	for len(addrs) > 0 {
		n := min(len(addrs), a.batchSize)
		frames, err := a.resolveBatch(ctx, modulePath, addrs[:n])
		if err != nil {
			return nil, err
		}
		result = append(result, frames...)
		addrs = addrs[n:]
	}
	return result, nil
}

func (a *Addr2Line) resolveBatch(ctx context.Context, modulePath string, addrs []uint64) (_ [][]SourceInfoFrame, err error) {
	start := time.Now()
	defer func() {
		status := statusSuccess
		if err != nil {
			status = statusError
		}
		a.metrics.resolveDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	args := make([]string, 0, len(addrs)+5)
	args = append(args, "--functions", "--demangle", "--inlines", "--addresses", "--exe="+modulePath)
	for _, addr := range addrs {
		args = append(args, fmt.Sprintf("0x%x", addr))
	}
	out, err := a.run(ctx, a.path, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s for %s", a.path, modulePath)
	}
	frames, err := parseAddr2LineOutput(out, addrs)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s output for %s", a.path, modulePath)
	}
	var resolved int
	for _, f := range frames {
		if len(f) > 0 {
			resolved++
		}
	}
	a.metrics.addressesResolved.WithLabelValues("resolved").Add(float64(resolved))
	a.metrics.addressesResolved.WithLabelValues("unresolved").Add(float64(len(addrs) - resolved))
	level.Debug(a.logger).Log("msg", "symbolized module", "module", modulePath, "addresses", len(addrs), "resolved", resolved, "duration", time.Since(start))
	return frames, nil
}

// parseAddr2LineOutput splits the output of addr2line --addresses into one
// group per requested address. Every group starts with the address line and
// is followed by function / file:line pairs, innermost function first.
func parseAddr2LineOutput(out []byte, addrs []uint64) ([][]SourceInfoFrame, error) {
	result := make([][]SourceInfoFrame, 0, len(addrs))
	var (
		current  []SourceInfoFrame
		function string
		inGroup  bool
		haveFunc bool
	)
	flush := func() {
		if inGroup {
			result = append(result, current)
		}
		current, inGroup, haveFunc = nil, false, false
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if isAddressLine(line) && !haveFunc {
			flush()
			inGroup = true
			continue
		}
		if !inGroup {
			return nil, fmt.Errorf("unexpected line before first address: %q", line)
		}
		if !haveFunc {
			function, haveFunc = line, true
			continue
		}
		haveFunc = false
		file, lineNo := splitFileLine(line)
		if function == "??" && strings.HasPrefix(file, "??") {
			continue
		}
		current = append(current, SourceInfoFrame{
			FunctionName: function,
			FilePath:     file,
			LineNumber:   lineNo,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	if len(result) != len(addrs) {
		return nil, fmt.Errorf("expected %d address groups, got %d", len(addrs), len(result))
	}
	return result, nil
}

func isAddressLine(line string) bool {
	if !strings.HasPrefix(line, "0x") || len(line) < 3 {
		return false
	}
	_, err := strconv.ParseUint(line[2:], 16, 64)
	return err == nil
}

// splitFileLine parses "file:line", tolerating "?" line numbers and
// trailing " (discriminator N)" annotations.
func splitFileLine(s string) (string, uint64) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, 0
	}
	file, rest := s[:i], s[i+1:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	n, _ := strconv.ParseUint(rest[:end], 10, 64)
	return file, n
}

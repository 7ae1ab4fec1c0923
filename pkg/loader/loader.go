// Package loader reads the initial member set from member files before the
// cores start.
//
// File format:
//
//	# comment
//	members 3
//	10.0.0.1
//	2001:db8::1
//	not-an-address
//
// The declaration fixes how many records the file contributes. A line that is
// not an address becomes an unset placeholder so record positions keep
// matching file lines; missing lines become placeholders too.
package loader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/transport"
)

const declKeyword = "members"

var (
	ErrNoSource            = errors.New("loader: no member file found")
	ErrMissingDeclaration  = errors.New("loader: address line before members declaration")
	ErrInvalidDeclaration  = errors.New("loader: invalid members declaration")
	ErrDeclarationTooLarge = errors.New("loader: members declaration exceeds limit")
)

// DefaultMaxDeclared bounds a single file's declared count.
const DefaultMaxDeclared = 1 << 20

type Options struct {
	// Path is a file name or glob pattern.
	Path string
	// Env names an environment variable that overrides Path when set.
	Env string
	// MaxDeclared bounds each file's declaration; zero selects DefaultMaxDeclared.
	MaxDeclared int
	Logger      *log.Logger
}

// FileReport describes one parsed file.
type FileReport struct {
	Path     string
	Declared int
	Lines    int
	Invalid  int
	Padded   int
	Ignored  int
}

// Result is the merged batch of every file, in sorted path order.
type Result struct {
	Members []ipset.Member
	Files   []FileReport
}

// Adder receives the merged batch. *control.Service implements it.
type Adder interface {
	Add(ctx context.Context, members []ipset.Member) (transport.MutationResponse, error)
}

func (o Options) path() string {
	if o.Env != "" {
		if v := strings.TrimSpace(os.Getenv(o.Env)); v != "" {
			return v
		}
	}
	return o.Path
}

// Read parses every file matched by the configured path. Files that cannot be
// opened or have no declaration are reported in the error and contribute no
// records; the rest are still returned.
func Read(opts Options) (Result, error) {
	lg := logutil.OrDefault(opts.Logger)
	if opts.MaxDeclared <= 0 {
		opts.MaxDeclared = DefaultMaxDeclared
	}
	pattern := opts.path()
	if pattern == "" {
		return Result{}, fmt.Errorf("%w: empty path", ErrNoSource)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return Result{}, fmt.Errorf("loader: bad pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSource, pattern)
	}
	sort.Strings(matches)

	var res Result
	var errs []error
	for _, p := range matches {
		logutil.Infof(lg, "loader: opening member file %s", p)
		f, err := os.Open(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("loader: %w", err))
			continue
		}
		members, rep, err := parse(f, p, opts.MaxDeclared)
		_ = f.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rep.Invalid > 0 {
			logutil.Warnf(lg, "loader: %s: %d lines are not addresses, kept as placeholders", p, rep.Invalid)
		}
		if rep.Padded > 0 {
			logutil.Warnf(lg, "loader: %s declares %d members but lists %d", p, rep.Declared, rep.Lines)
		}
		if rep.Ignored > 0 {
			logutil.Warnf(lg, "loader: %s: ignored %d lines beyond the declared %d", p, rep.Ignored, rep.Declared)
		}
		res.Members = append(res.Members, members...)
		res.Files = append(res.Files, rep)
	}
	return res, errors.Join(errs...)
}

func parse(r io.Reader, name string, maxDeclared int) ([]ipset.Member, FileReport, error) {
	rep := FileReport{Path: name}
	var members []ipset.Member
	declared := false
	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !declared {
			n, ok, err := parseDeclaration(line, maxDeclared)
			if err != nil {
				return nil, rep, fmt.Errorf("%s:%d: %w", name, lineNo, err)
			}
			if !ok {
				return nil, rep, fmt.Errorf("%s:%d: %w", name, lineNo, ErrMissingDeclaration)
			}
			declared = true
			rep.Declared = n
			members = make([]ipset.Member, 0, n)
			continue
		}
		if len(members) >= rep.Declared {
			rep.Ignored++
			continue
		}
		rep.Lines++
		m, err := ipset.ParseMember(line)
		if err != nil {
			rep.Invalid++
			m = ipset.Placeholder()
		}
		members = append(members, m)
	}
	if err := s.Err(); err != nil {
		return nil, rep, fmt.Errorf("loader: %s: %w", name, err)
	}
	if !declared {
		return nil, rep, fmt.Errorf("%s: %w", name, ErrMissingDeclaration)
	}
	for len(members) < rep.Declared {
		members = append(members, ipset.Placeholder())
		rep.Padded++
	}
	return members, rep, nil
}

func parseDeclaration(line string, maxDeclared int) (int, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.EqualFold(fields[0], declKeyword) {
		return 0, false, nil
	}
	if len(fields) != 2 {
		return 0, true, fmt.Errorf("%w: %q", ErrInvalidDeclaration, line)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("%w: %q", ErrInvalidDeclaration, line)
	}
	if n > maxDeclared {
		return 0, true, fmt.Errorf("%w: %d > %d", ErrDeclarationTooLarge, n, maxDeclared)
	}
	return n, true, nil
}

// Load reads the member files and feeds the merged batch to add exactly once.
// Every error is non-fatal to the caller: it is logged and returned so the
// engine can start with whatever was loaded, possibly nothing.
func Load(ctx context.Context, opts Options, add Adder) (Result, error) {
	lg := logutil.OrDefault(opts.Logger)
	res, readErr := Read(opts)
	if readErr != nil {
		logutil.Warnf(lg, "loader: %v", readErr)
	}
	if len(res.Members) == 0 {
		logutil.Infof(lg, "loader: no members to load, starting empty")
		return res, readErr
	}
	resp, err := add.Add(ctx, res.Members)
	if err != nil {
		logutil.Errorf(lg, "loader: initial add of %d records: %v", len(res.Members), err)
	} else {
		logutil.Infof(lg, "loader: loaded %d/%d records from %d files", resp.Applied, len(res.Members), len(res.Files))
	}
	return res, errors.Join(readErr, err)
}

package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/types"
)

// FileFeed reads newline-delimited JSON records. "-" reads standard input.
type FileFeed struct {
	path   string
	logger *zap.Logger
}

func NewFileFeed(path string, logger *zap.Logger) *FileFeed {
	return &FileFeed{path: path, logger: logger}
}

func (f *FileFeed) Opportunities(ctx context.Context) (<-chan types.TradeOpportunity, <-chan error) {
	out := make(chan types.TradeOpportunity)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		var r io.Reader = os.Stdin
		if f.path != "-" {
			file, err := os.Open(f.path)
			if err != nil {
				sendErr(ctx, errs, fmt.Errorf("failed to open feed: %w", err))
				return
			}
			defer file.Close()
			r = file
		}

		read := stream(ctx, r, out, errs)
		f.logger.Info("Opportunity file exhausted", zap.String("path", f.path), zap.Int("records", read))
	}()

	return out, errs
}

// stream decodes records from r until EOF or cancellation and returns how
// many opportunities were delivered.
func stream(ctx context.Context, r io.Reader, out chan<- types.TradeOpportunity, errs chan<- error) int {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	delivered, line := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		opp, err := Decode(raw)
		if err != nil {
			sendErr(ctx, errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}

		select {
		case out <- opp:
			delivered++
		case <-ctx.Done():
			return delivered
		}
	}
	if err := scanner.Err(); err != nil {
		sendErr(ctx, errs, fmt.Errorf("failed to read feed: %w", err))
	}
	return delivered
}

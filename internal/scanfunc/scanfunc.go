// Package scanfunc defines the pluggable probe interface a BulkScanWorker
// runs against every resolved target, plus a small TCP-connect
// implementation that exercises the partial-result protocol end to end.
package scanfunc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
)

// PartialReporter lets a ScanFunction publish a best-effort intermediate
// result while it keeps running, so a caller that later cancels the scan
// can still retrieve something useful.
type PartialReporter func(json.RawMessage)

// ScanFunction is bulk-scoped: Setup/Teardown run once per bulk scan
// (establishing e.g. a shared client or rate limiter), while Execute runs
// once per target, potentially many times concurrently.
type ScanFunction interface {
	Setup(ctx context.Context, cfg scan.ScanConfig) error
	Teardown(ctx context.Context) error
	Execute(ctx context.Context, target scan.ScanTarget, report PartialReporter) (json.RawMessage, error)
}

// TCPConnect is a minimal probe: it attempts a TCP handshake against the
// target and reports a partial "connecting" document before the dial
// resolves, so cancellation mid-dial still yields a meaningful result.
type TCPConnect struct {
	dialer net.Dialer
}

func NewTCPConnect() *TCPConnect { return &TCPConnect{dialer: net.Dialer{}} }

func (t *TCPConnect) Setup(ctx context.Context, cfg scan.ScanConfig) error    { return nil }
func (t *TCPConnect) Teardown(ctx context.Context) error                     { return nil }

func (t *TCPConnect) Execute(ctx context.Context, target scan.ScanTarget, report PartialReporter) (json.RawMessage, error) {
	port := target.Port
	if port == 0 {
		port = 443
	}
	addr := net.JoinHostPort(target.IP, fmt.Sprintf("%d", port))

	report(json.RawMessage(fmt.Sprintf(`{"stage":"connecting","addr":%q}`, addr)))

	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	doc := map[string]any{
		"stage":      "connected",
		"addr":       addr,
		"latencyMs":  time.Since(start).Milliseconds(),
	}
	return json.Marshal(doc)
}

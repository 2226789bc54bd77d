/*
Package health provides pluggable health checks used to probe auxiliary
dependencies PHINEAS relies on: a partner's HTTPS endpoint, a queue's TCP
backend, or a configured filter subprocess.

Three checker types are implemented, all satisfying the Checker
interface:

  - HTTPChecker: GET a URL, healthy if the status falls in a configured range
  - TCPChecker: dial an address, healthy if the connection succeeds
  - ExecChecker: run a command, healthy on exit code 0

# Usage

	checker := health.NewHTTPChecker("https://partner.example.org/health").
		WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		log.Warn().Str("message", result.Message).Msg("partner endpoint unreachable")
	}

Status, used by Status.Update, tracks consecutive successes/failures
against a Config{Interval, Timeout, Retries, StartPeriod} so a single
flaky check doesn't flip a component's reported health.
*/
package health

// Package executor provides the report-execution backends: the fallible,
// possibly slow call that actually files a report from a secondary account.
// HTTP delegates to an external worker service; Simulated is a local
// stand-in for development and tests.
package executor

import "vigilo/internal/report"

var (
	_ report.Executor = (*HTTP)(nil)
	_ report.Executor = (*Simulated)(nil)
)

//go:build !metrics

package metrics

import "time"

func IncAdmissionDenials()                            {}
func IncOrderSubmissions(string)                      {}
func IncOrderFailures(string)                         {}
func IncLevelTriggers(string)                         {}
func IncSignalSuppressions(string, string)            {}
func ObserveDecisionCycleLatency(string, time.Duration) {}
func SetOpenPositions(int)                            {}
func IncLedgerPersistFailures()                       {}
func ObserveLedgerPersistLatency(time.Duration)       {}
func SetQuoteFeedConnected(bool)                      {}
